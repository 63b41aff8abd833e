package configuration

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/logbuffer/internal/logbuffer/pipeline"
)

const (
	MinBatchSize          = 1
	MaxBatchSize          = 1000
	MinMaxBufferedRecords = 5000
	MaxMaxBufferedRecords = 100000
)

func (c LogBufferConfiguration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(sinkStructLevelValidation, SinkConfig{})
	validate.RegisterStructValidation(retentionStructLevelValidation, RetentionConfig{})
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.Logging.Console().Validate()
}

func sinkStructLevelValidation(sl validator.StructLevel) {
	sink := sl.Current().Interface().(SinkConfig)
	switch sink.Type {
	case SinkTypeSqlite:
		if sink.Sqlite.DatabasePath == "" {
			sl.ReportError(sink.Sqlite.DatabasePath, "DatabasePath", "DatabasePath", "required", "")
		}
		if sink.Sqlite.MaxDatabaseSize.Sign() < 0 {
			sl.ReportError(sink.Sqlite.MaxDatabaseSize.String(), "MaxDatabaseSize", "MaxDatabaseSize", "gte", "0")
		}
	case SinkTypeRedis:
		if len(sink.Redis.Addrs) == 0 {
			sl.ReportError(sink.Redis.Addrs, "Addrs", "Addrs", "required", "")
		}
		if sink.Redis.MaxEntries < 0 {
			sl.ReportError(sink.Redis.MaxEntries, "MaxEntries", "MaxEntries", "gte", "0")
		}
	}
}

func retentionStructLevelValidation(sl validator.StructLevel) {
	retention := sl.Current().Interface().(RetentionConfig)
	if !retention.Enabled {
		return
	}
	if retention.Period <= 0 {
		sl.ReportError(retention.Period, "Period", "Period", "gt", "0")
	}
	if retention.PruneInterval <= 0 {
		sl.ReportError(retention.PruneInterval, "PruneInterval", "PruneInterval", "gt", "0")
	}
}

// PipelineConfig returns the pipeline settings with BatchSize and MaxBufferedRecords clamped to their supported
// ranges. Every value that had to be adjusted is logged.
func (c LogBufferConfiguration) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		BatchSize:          clamp("batchSize", c.BatchSize, MinBatchSize, MaxBatchSize),
		MaxBufferedRecords: clamp("maxBufferedRecords", c.MaxBufferedRecords, MinMaxBufferedRecords, MaxMaxBufferedRecords),
		FlushInterval:      c.FlushInterval,
		RetryBackoff:       c.RetryBackoff,
		ShutdownTimeout:    c.ShutdownTimeout,
	}
}

func clamp(name string, value int, min int, max int) int {
	clamped := value
	if clamped < min {
		clamped = min
	}
	if clamped > max {
		clamped = max
	}
	if clamped != value {
		log.WithFields(log.Fields{
			"configured": value,
			"using":      clamped,
		}).Warnf("%s is outside [%d, %d]", name, min, max)
	}
	return clamped
}

// CaptureLevels parses Logging.CaptureLevels. All levels from info upwards are captured if none are configured.
func (c LogBufferConfiguration) CaptureLevels() ([]log.Level, error) {
	if len(c.Logging.CaptureLevels) == 0 {
		return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel, log.InfoLevel}, nil
	}
	levels := make([]log.Level, 0, len(c.Logging.CaptureLevels))
	for _, s := range c.Logging.CaptureLevels {
		level, err := log.ParseLevel(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid capture level")
		}
		levels = append(levels, level)
	}
	return levels, nil
}
