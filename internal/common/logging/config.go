package logging

import (
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines console logging on stdout.
type Config struct {
	// Log level, e.g. info, error etc
	Level string
	// Logging format, either text or json
	Format string
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Level); err != nil {
		return errors.Wrapf(err, "invalid log level")
	}
	if !validLogFormats[strings.ToLower(c.Format)] {
		formats := make([]string, 0, len(validLogFormats))
		for format := range validLogFormats {
			formats = append(formats, format)
		}
		sort.Strings(formats)
		return errors.Errorf("unknown log format %q, valid formats are %s", c.Format, strings.Join(formats, ", "))
	}
	return nil
}

// Apply configures logger according to c. The logger writes to stdout.
func (c Config) Apply(logger *log.Logger) error {
	if err := c.Validate(); err != nil {
		return err
	}
	level, _ := log.ParseLevel(c.Level)
	logger.SetLevel(level)
	logger.SetOutput(os.Stdout)
	if strings.ToLower(c.Format) == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
