package source

import (
	"context"
	"io"
	"path/filepath"

	"github.com/hpcloud/tail"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/logbuffer/internal/logbuffer/metrics"
	"github.com/G-Research/logbuffer/internal/logbuffer/model"
)

// FileTailer follows a file from its current end, submitting every new line as a record. Rotated or truncated files
// are reopened.
type FileTailer struct {
	path      string
	submitter Submitter
	log       *log.Entry
	metrics   *metrics.Metrics
	location  *tail.SeekInfo
}

func NewFileTailer(path string, submitter Submitter, logger *log.Entry) *FileTailer {
	return &FileTailer{
		path:      path,
		submitter: submitter,
		log:       logger.WithField("path", path),
		metrics:   metrics.Get(),
		location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
	}
}

// Run blocks until ctx is done.
func (t *FileTailer) Run(ctx context.Context) error {
	tailer, err := tail.TailFile(t.path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: t.location,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		t.metrics.RecordSourceError("tail")
		return errors.Wrapf(err, "failed to tail file %s", t.path)
	}
	defer tailer.Cleanup()
	defer func() {
		if err := tailer.Stop(); err != nil {
			t.log.WithError(err).Debug("Error stopping tailer")
		}
	}()

	t.log.Info("Tailing file")
	source := filepath.Base(t.path)
	fields := map[string]string{"path": t.path}
	for {
		select {
		case line, ok := <-tailer.Lines:
			if !ok {
				return errors.Errorf("stopped tailing %s: %v", t.path, tailer.Err())
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				t.metrics.RecordSourceError("tail")
				t.log.WithError(line.Err).Warn("Error reading from file")
				continue
			}
			if line.Text == "" {
				continue
			}
			t.submitter.Submit(model.NewLogRecord(line.Time, model.LevelInfo, source, line.Text, fields))
		case <-ctx.Done():
			return nil
		}
	}
}
