package source

import (
	"github.com/G-Research/logbuffer/internal/logbuffer/model"
	"github.com/G-Research/logbuffer/internal/logbuffer/pipeline"
)

// Submitter is where sources send the records they produce.
type Submitter interface {
	Submit(record model.LogRecord)
	State() pipeline.State
}
