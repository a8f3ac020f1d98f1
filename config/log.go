package config

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger writing to w with the configured level and
// format ("text" or "json").
func (l LogConfig) NewLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, &Error{Field: "log.level", Err: err}
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)

	switch l.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, &Error{Field: "log.format", Err: fmt.Errorf("unknown format %q", l.Format)}
	}

	return logger, nil
}
