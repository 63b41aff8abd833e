package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LogRecord is a single log line as persisted by the sinks.
type LogRecord struct {
	Id        uuid.UUID         `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewLogRecord creates a record with a fresh id.
func NewLogRecord(timestamp time.Time, level string, source string, message string, fields map[string]string) LogRecord {
	return LogRecord{
		Id:        uuid.New(),
		Timestamp: timestamp.UTC(),
		Level:     strings.ToLower(level),
		Source:    source,
		Message:   message,
		Fields:    fields,
	}
}

// Normalise fills in whatever a client may have left out of a record: an id, a timestamp and a level.
func (r *LogRecord) Normalise(now time.Time, defaultSource string) {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC()
	if r.Level == "" {
		r.Level = LevelInfo
	}
	r.Level = strings.ToLower(r.Level)
	if r.Source == "" {
		r.Source = defaultSource
	}
}

func (r LogRecord) Validate() error {
	if r.Message == "" {
		return errors.New("record has no message")
	}
	return nil
}

// EncodeFields returns the fields as a JSON object, or an empty string if there are none.
func (r LogRecord) EncodeFields() (string, error) {
	if len(r.Fields) == 0 {
		return "", nil
	}
	b, err := json.Marshal(r.Fields)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(b), nil
}

func DecodeFields(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	fields := map[string]string{}
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, errors.WithStack(err)
	}
	return fields, nil
}
