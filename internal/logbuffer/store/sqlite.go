package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"

	"github.com/G-Research/logbuffer/internal/logbuffer/configuration"
	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
	"github.com/G-Research/logbuffer/internal/logbuffer/model"
)

const logRecordsTable = "log_records"

var colTimestamp = goqu.C("timestamp")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS log_records (
		id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		fields TEXT NOT NULL,
		inserted_at INTEGER NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS idx_log_records_timestamp ON log_records (timestamp)`,
}

type logRecordRow struct {
	Id        string `db:"id"`
	BatchId   string `db:"batch_id"`
	Timestamp int64  `db:"timestamp"`
	Level     string `db:"level"`
	Source    string `db:"source"`
	Message   string `db:"message"`
	Fields    string `db:"fields"`
}

// SqliteLogStore persists records to a single SQLite file. Once the file reaches its configured size it is moved
// aside as <path>.<unix seconds> and a fresh file is started.
type SqliteLogStore struct {
	config  configuration.SqliteConfig
	clock   clock.Clock
	log     *log.Entry
	metrics *metrics.Metrics

	// SQLite only allows one writer at a time. Writes and rotation are serialized to avoid SQLITE_BUSY.
	lock sync.Mutex
	// Nil after a failed rotation until the next operation reopens the live path.
	db   *sql.DB
	goqu *goqu.Database
	// Replaced in tests to simulate a file that cannot be set up.
	setup func(db *sql.DB, maxDatabaseSize int64) error
}

func OpenSqliteLogStore(config configuration.SqliteConfig, logger *log.Entry) (*SqliteLogStore, error) {
	return openSqliteLogStore(config, clock.RealClock{}, logger)
}

func openSqliteLogStore(config configuration.SqliteConfig, clock clock.Clock, logger *log.Entry) (*SqliteLogStore, error) {
	dbDir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
	}
	s := &SqliteLogStore{
		config:  config,
		clock:   clock,
		log:     logger,
		metrics: metrics.Get(),
		setup:   setup,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SqliteLogStore) open() error {
	db, err := sql.Open("sqlite", s.config.DatabasePath)
	if err != nil {
		return errors.Wrapf(err, "error opening sqlite db from %s", s.config.DatabasePath)
	}
	// max_page_count is a per connection setting, so there must only ever be one connection.
	db.SetMaxOpenConns(1)

	if err := s.setup(db, s.config.MaxDatabaseSize.Value()); err != nil {
		_ = db.Close()
		return errors.WithMessagef(err, "error setting up sqlite db %s", s.config.DatabasePath)
	}
	s.db = db
	s.goqu = goqu.New("sqlite3", db)
	return nil
}

// ensureOpen reopens the live path if an earlier rotation left the store without a database. Callers must hold lock.
func (s *SqliteLogStore) ensureOpen() error {
	if s.db != nil {
		return nil
	}
	if err := s.open(); err != nil {
		s.metrics.RecordDBError(metrics.DBOperationRotate)
		return err
	}
	s.log.Infof("Reopened sqlite db %s", s.config.DatabasePath)
	return nil
}

func setup(db *sql.DB, maxDatabaseSize int64) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.WithStack(err)
	}
	if maxDatabaseSize > 0 {
		var pageSize int64
		if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
			return errors.WithStack(err)
		}
		maxPageCount := maxDatabaseSize / pageSize
		if maxPageCount < 1 {
			maxPageCount = 1
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA max_page_count=%d", maxPageCount)); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// WriteBatch inserts the batch in a single transaction. If the database is full the file is rotated and the batch is
// tried once more against the fresh file.
func (s *SqliteLogStore) WriteBatch(ctx context.Context, batch []model.LogRecord) error {
	if len(batch) == 0 {
		return nil
	}
	rows, err := s.toRows(batch)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}
	err = s.insert(ctx, rows)
	if err == nil || !isSqliteFull(err) {
		return err
	}

	s.log.WithError(err).Warnf("Sqlite db %s is full, rotating", s.config.DatabasePath)
	if rotateErr := s.rotate(); rotateErr != nil {
		return errors.WithMessage(rotateErr, "error rotating full sqlite db")
	}
	err = s.insert(ctx, rows)
	if isSqliteFull(err) {
		return errors.Wrapf(ErrCapacityExceeded, "batch of %d records does not fit in an empty db: %v", len(batch), err)
	}
	return err
}

func (s *SqliteLogStore) toRows(batch []model.LogRecord) ([]interface{}, error) {
	batchId := uuid.NewString()
	now := s.clock.Now().UnixNano()
	rows := make([]interface{}, len(batch))
	for i, record := range batch {
		fields, err := record.EncodeFields()
		if err != nil {
			return nil, err
		}
		rows[i] = goqu.Record{
			"id":          record.Id.String(),
			"batch_id":    batchId,
			"timestamp":   record.Timestamp.UnixNano(),
			"level":       record.Level,
			"source":      record.Source,
			"message":     record.Message,
			"fields":      fields,
			"inserted_at": now,
		}
	}
	return rows, nil
}

func (s *SqliteLogStore) insert(ctx context.Context, rows []interface{}) error {
	tx, err := s.goqu.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationInsert)
		return errors.WithStack(err)
	}
	return tx.Wrap(func() error {
		_, err := tx.Insert(logRecordsTable).Rows(rows...).Prepared(true).Executor().ExecContext(ctx)
		if err != nil {
			s.metrics.RecordDBError(metrics.DBOperationInsert)
			return errors.WithStack(err)
		}
		return nil
	})
}

// rotate moves the current file aside and opens an empty one in its place. If that fails the store is left without
// a database and the next operation reopens whatever is at the live path. Callers must hold lock.
func (s *SqliteLogStore) rotate() error {
	if err := s.db.Close(); err != nil {
		s.log.WithError(err).Warn("Error closing full sqlite db")
	}
	s.db = nil
	s.goqu = nil
	rotated := s.rotatedPath()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(s.config.DatabasePath+suffix, rotated+suffix)
		if err != nil && !os.IsNotExist(err) {
			s.metrics.RecordDBError(metrics.DBOperationRotate)
			return errors.WithStack(err)
		}
	}
	if err := s.open(); err != nil {
		s.metrics.RecordDBError(metrics.DBOperationRotate)
		return err
	}
	s.metrics.RecordRotation()
	s.log.Infof("Rotated sqlite db to %s", rotated)
	return nil
}

func (s *SqliteLogStore) rotatedPath() string {
	base := fmt.Sprintf("%s.%d", s.config.DatabasePath, s.clock.Now().Unix())
	path := base
	for i := 1; fileExists(path); i++ {
		path = fmt.Sprintf("%s-%d", base, i)
	}
	return path
}

// RotatedFiles returns the files previously moved aside by rotation, excluding their -wal and -shm companions.
func (s *SqliteLogStore) RotatedFiles() ([]string, error) {
	matches, err := filepath.Glob(s.config.DatabasePath + ".*")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(filepath.Base(s.config.DatabasePath)) + `\.\d+(-\d+)?$`)
	var rotated []string
	for _, match := range matches {
		if pattern.MatchString(filepath.Base(match)) {
			rotated = append(rotated, match)
		}
	}
	return rotated, nil
}

// Prune deletes records older than olderThan from the live file, and removes rotated files last modified before it.
func (s *SqliteLogStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	result, err := s.goqu.Delete(logRecordsTable).
		Where(colTimestamp.Lt(olderThan.UnixNano())).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationDelete)
		return 0, errors.WithStack(err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	rotated, err := s.RotatedFiles()
	if err != nil {
		return deleted, err
	}
	for _, path := range rotated {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(olderThan) {
			continue
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
				s.metrics.RecordDBError(metrics.DBOperationDelete)
				return deleted, errors.WithStack(err)
			}
		}
		s.log.Infof("Removed rotated sqlite db %s", path)
	}
	s.metrics.RecordRowsPruned(deleted)
	return deleted, nil
}

func (s *SqliteLogStore) Count(ctx context.Context) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	count, err := s.goqu.From(logRecordsTable).CountContext(ctx)
	return count, errors.WithStack(err)
}

// Records returns every record in the live file ordered by timestamp.
func (s *SqliteLogStore) Records(ctx context.Context) ([]model.LogRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var rows []logRecordRow
	err := s.goqu.From(logRecordsTable).
		Select("id", "batch_id", "timestamp", "level", "source", "message", "fields").
		Order(colTimestamp.Asc(), goqu.I("rowid").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := make([]model.LogRecord, len(rows))
	for i, row := range rows {
		id, err := uuid.Parse(row.Id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		fields, err := model.DecodeFields(row.Fields)
		if err != nil {
			return nil, err
		}
		records[i] = model.LogRecord{
			Id:        id,
			Timestamp: time.Unix(0, row.Timestamp).UTC(),
			Level:     row.Level,
			Source:    row.Source,
			Message:   row.Message,
			Fields:    fields,
		}
	}
	return records, nil
}

func (s *SqliteLogStore) Check() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.ensureOpen(); err != nil {
		return errors.Errorf("sqlite health check failed: %v", err)
	}
	var col int
	if err := s.db.QueryRow("SELECT 1").Scan(&col); err != nil {
		return errors.Errorf("sqlite health check failed: %v", err)
	}
	return nil
}

func (s *SqliteLogStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
