package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrorKey defines the key used to log errors.
const ErrorKey = "error"

// Logger is an alias of logrus.Logger carrying the name of the component
// that logs.
type Logger struct {
	*logrus.Logger
	name string
}

// loggerConfig represents the configuration options for the logger.
type loggerConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

// New initializes the logger with the given options.
func New(name string, raw json.RawMessage) (*Logger, error) {
	var config loggerConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &config); err != nil {
			return nil, errors.Wrap(err, "error unmarshalling logging attribute")
		}
	}

	var formatter logrus.Formatter
	switch strings.ToLower(config.Format) {
	case "", "text":
		_, noColor := os.LookupEnv("NO_COLOR")
		formatter = &logrus.TextFormatter{
			DisableColors: noColor,
			FullTimestamp: true,
		}
	case "json":
		formatter = new(logrus.JSONFormatter)
	case "common":
		formatter = new(CommonLogFormat)
	default:
		return nil, errors.Errorf("unsupported logger.format '%s'", config.Format)
	}

	level := logrus.InfoLevel
	if config.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(config.Level); err != nil {
			return nil, errors.Wrapf(err, "unsupported logger.level '%s'", config.Level)
		}
	}

	logger := &Logger{
		Logger: logrus.New(),
		name:   name,
	}
	logger.Formatter = formatter
	logger.Level = level
	return logger, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := logrus.New()
	l.Out = io.Discard
	return &Logger{Logger: l, name: "nop"}
}

// GetImpl returns the real implementation of the logger.
func (l *Logger) GetImpl() *logrus.Logger {
	return l.Logger
}

// Name returns the name of the component.
func (l *Logger) Name() string {
	return l.name
}

// Named returns an entry with the name of the component set.
func (l *Logger) Named() *logrus.Entry {
	return l.WithField("name", l.name)
}
