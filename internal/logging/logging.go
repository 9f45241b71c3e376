// Package logging builds the shared logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control the logger built by New.
type Options struct {
	Level string // logrus level name; invalid values fall back to info
	File  string // optional rotating log file path; empty = stdout only
}

// New creates a logger writing to stdout and, when a file is configured, to
// a size-capped rotating file as well.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
	})

	lvl, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		logger.Warnf("Invalid log level '%s', defaulting to 'info'", opts.Level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	}

	return logger
}
