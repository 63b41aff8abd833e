package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/logbuffer/internal/logbuffer/configuration"
	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
	"github.com/G-Research/logbuffer/internal/logbuffer/model"
)

const (
	defaultKeyPrefix = "logs:"
	pruneScanSize    = 500
)

// RedisLogStore appends records as JSON to one list per source. Lists are trimmed to MaxEntries after every write and
// expire once nothing has been written to them for the retention period.
type RedisLogStore struct {
	db         redis.UniversalClient
	keyPrefix  string
	maxEntries int64
	expiry     time.Duration
	log        *log.Entry
	metrics    *metrics.Metrics

	// Writes and prunes both trim from the head of a list, so they must not interleave.
	lock sync.Mutex
	// Replaced in tests to simulate redis running out of memory.
	execPipeline func(pipe redis.Pipeliner) error
}

func NewRedisLogStore(db redis.UniversalClient, config configuration.RedisSinkConfig, expiry time.Duration, logger *log.Entry) *RedisLogStore {
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisLogStore{
		db:         db,
		keyPrefix:  keyPrefix,
		maxEntries: config.MaxEntries,
		expiry:     expiry,
		log:        logger,
		metrics:    metrics.Get(),
		execPipeline: func(pipe redis.Pipeliner) error {
			_, err := pipe.Exec()
			return err
		},
	}
}

func (s *RedisLogStore) key(source string) string {
	return s.keyPrefix + source
}

// WriteBatch pushes the whole batch in one pipeline. If redis is out of memory every list the batch touches is
// trimmed to half its allowed length and the batch is tried once more.
func (s *RedisLogStore) WriteBatch(_ context.Context, batch []model.LogRecord) error {
	if len(batch) == 0 {
		return nil
	}
	values := make(map[string][]interface{})
	var keys []string
	for _, record := range batch {
		data, err := json.Marshal(record)
		if err != nil {
			return errors.WithStack(err)
		}
		key := s.key(record.Source)
		if _, ok := values[key]; !ok {
			keys = append(keys, key)
		}
		values[key] = append(values[key], data)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.push(keys, values)
	if !isRedisOutOfMemory(err) {
		if err != nil {
			s.metrics.RecordDBError(metrics.DBOperationInsert)
		}
		return errors.WithStack(err)
	}

	s.log.WithError(err).Warnf("Redis is out of memory, trimming %d lists", len(keys))
	if err := s.trimToHalf(keys); err != nil {
		s.metrics.RecordDBError(metrics.DBOperationRotate)
		return errors.WithMessage(err, "error trimming lists")
	}
	s.metrics.RecordRotation()
	err = s.push(keys, values)
	if isRedisOutOfMemory(err) {
		return errors.Wrapf(ErrCapacityExceeded, "redis still out of memory after trimming: %v", err)
	}
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationInsert)
	}
	return errors.WithStack(err)
}

func (s *RedisLogStore) push(keys []string, values map[string][]interface{}) error {
	pipe := s.db.Pipeline()
	for _, key := range keys {
		pipe.RPush(key, values[key]...)
		if s.maxEntries > 0 {
			pipe.LTrim(key, -s.maxEntries, -1)
		}
		if s.expiry > 0 {
			pipe.Expire(key, s.expiry)
		}
	}
	return s.execPipeline(pipe)
}

func (s *RedisLogStore) trimToHalf(keys []string) error {
	for _, key := range keys {
		keep := s.maxEntries / 2
		if s.maxEntries <= 0 {
			length, err := s.db.LLen(key).Result()
			if err != nil {
				return err
			}
			keep = length / 2
		}
		var err error
		if keep == 0 {
			err = s.db.Del(key).Err()
		} else {
			err = s.db.LTrim(key, -keep, -1).Err()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Prune drops records older than olderThan from the head of every list. Lists are in write order, which is close
// enough to timestamp order that the scan stops at the first record that is new enough.
func (s *RedisLogStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var total int64
	iter := s.db.Scan(0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next() {
		removed, err := s.pruneList(iter.Val(), olderThan)
		total += removed
		if err != nil {
			s.metrics.RecordDBError(metrics.DBOperationDelete)
			return total, err
		}
	}
	if err := iter.Err(); err != nil {
		s.metrics.RecordDBError(metrics.DBOperationDelete)
		return total, errors.WithStack(err)
	}
	s.metrics.RecordRowsPruned(total)
	return total, nil
}

func (s *RedisLogStore) pruneList(key string, olderThan time.Time) (int64, error) {
	var removed int64
	for {
		values, err := s.db.LRange(key, 0, pruneScanSize-1).Result()
		if err != nil {
			return removed, errors.WithStack(err)
		}
		old := 0
		for _, value := range values {
			var record model.LogRecord
			if err := json.Unmarshal([]byte(value), &record); err == nil && !record.Timestamp.Before(olderThan) {
				break
			}
			old++
		}
		if old > 0 {
			if err := s.db.LTrim(key, int64(old), -1).Err(); err != nil {
				return removed, errors.WithStack(err)
			}
			removed += int64(old)
		}
		if old < pruneScanSize {
			return removed, nil
		}
	}
}

// Records returns every record held for source, oldest first.
func (s *RedisLogStore) Records(source string) ([]model.LogRecord, error) {
	values, err := s.db.LRange(s.key(source), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := make([]model.LogRecord, 0, len(values))
	for _, value := range values {
		var record model.LogRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.WithStack(err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisLogStore) Check() error {
	if _, err := s.db.Ping().Result(); err != nil {
		return errors.Errorf("redis health check failed: %v", err)
	}
	return nil
}

func (s *RedisLogStore) Close() error {
	return s.db.Close()
}
