package store

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/logbuffer/internal/logbuffer/model"
)

// ErrCapacityExceeded is returned when a sink has no room left for a batch even after trying to make some.
var ErrCapacityExceeded = errors.New("sink capacity exceeded")

// LogStore is a durable home for log records.
type LogStore interface {
	// WriteBatch persists every record in the batch or none of them.
	WriteBatch(ctx context.Context, batch []model.LogRecord) error
	// Prune deletes records with a timestamp before olderThan and returns how many were removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Check() error
	Close() error
}

// sqliteFullCode is SQLITE_FULL. Extended result codes keep the primary code in the low byte.
const sqliteFullCode = 13

type sqliteError interface {
	Code() int
}

func isSqliteFull(err error) bool {
	var sqliteErr sqliteError
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqliteFullCode {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "database or disk is full")
}

func isRedisOutOfMemory(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "OOM ")
}
