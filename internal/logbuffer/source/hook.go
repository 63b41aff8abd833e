package source

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/logbuffer/internal/logbuffer/model"
)

const HookSource = "logbuffer"

// Hook is a logrus hook that submits every entry at one of its levels as a record. Adding it to a logger makes that
// logger's output part of the buffered stream.
type Hook struct {
	submitter Submitter
	levels    []log.Level
	source    string
}

func NewHook(submitter Submitter, levels []log.Level) *Hook {
	return &Hook{submitter: submitter, levels: levels, source: HookSource}
}

func (h *Hook) Levels() []log.Level {
	return h.levels
}

func (h *Hook) Fire(entry *log.Entry) error {
	var fields map[string]string
	if len(entry.Data) > 0 {
		fields = make(map[string]string, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				fields[k] = err.Error()
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
	}
	h.submitter.Submit(model.NewLogRecord(entry.Time, entry.Level.String(), h.source, entry.Message, fields))
	return nil
}

// RemoveHook detaches hook from logger, leaving any other hooks in place.
func RemoveHook(logger *log.Logger, hook log.Hook) {
	replacement := make(log.LevelHooks)
	for level, hooks := range logger.Hooks {
		for _, h := range hooks {
			if h != hook {
				replacement[level] = append(replacement[level], h)
			}
		}
	}
	logger.ReplaceHooks(replacement)
}
