package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NullLogger discards everything. Useful wherever a component requires a logger that a test does not care about.
var NullLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}

// NewNullEntry returns an entry on NullLogger.
func NewNullEntry() *logrus.Entry {
	return logrus.NewEntry(NullLogger)
}
