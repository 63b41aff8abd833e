package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/G-Research/logbuffer/internal/common/config"
	"github.com/G-Research/logbuffer/internal/common/logging"
)

const (
	SinkTypeSqlite = "sqlite"
	SinkTypeRedis  = "redis"
)

type LogBufferConfiguration struct {
	// Port serving /metrics, /health and /ingest
	HttpPort uint16 `validate:"required"`
	// Maximum number of records written in one batch. Clamped to [1, 1000]
	BatchSize int
	// Records submitted while this many are waiting to be written are dropped. Clamped to [5000, 100000]
	MaxBufferedRecords int
	// Interval after which a partially filled batch is written anyway
	FlushInterval time.Duration `validate:"gte=0"`
	// Time to wait before retrying a batch that could not be written
	RetryBackoff time.Duration `validate:"gte=0"`
	// Upper bound on the time spent writing out buffered records at shutdown
	ShutdownTimeout time.Duration `validate:"gte=0"`
	Logging         LoggingConfig
	Sink            SinkConfig
	Retention       RetentionConfig
	Sources         SourcesConfig
}

type LoggingConfig struct {
	Level  string `validate:"required"`
	Format string `validate:"required,oneof=text json"`
	// Levels of the service's own log lines that are buffered alongside everything else
	CaptureLevels []string
}

func (c LoggingConfig) Console() logging.Config {
	return logging.Config{Level: c.Level, Format: c.Format}
}

type SinkConfig struct {
	// Either sqlite or redis
	Type   string `validate:"required,oneof=sqlite redis"`
	Sqlite SqliteConfig
	// Only validated when Type is redis
	Redis RedisSinkConfig `validate:"-"`
}

type SqliteConfig struct {
	// Absolute or relative path of the database file. Rotated files are written alongside it
	DatabasePath string
	// Size at which the database file is rotated. Zero means unbounded
	MaxDatabaseSize resource.Quantity
}

type RedisSinkConfig struct {
	commonconfig.RedisConfig `mapstructure:",squash"`
	// Prefix of the per-source list keys
	KeyPrefix string
	// Length to which each list is trimmed after every write
	MaxEntries int64
}

type RetentionConfig struct {
	Enabled bool
	// Records older than this are deleted
	Period time.Duration
	// How often the retention sweep runs
	PruneInterval time.Duration
}

type SourcesConfig struct {
	// Files followed from their current end; each new line becomes a record
	TailFiles []string
	// Whether POST /ingest accepts records
	IngestEnabled bool
}
