// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/codewiresh/sfp/internal/config"
)

// Setup builds a logger from c, installs it as log.Logger and returns it
// together with a func that releases the log file, if any.
//
// Console output goes to stderr. With format "auto" it is human readable on
// a terminal and JSON otherwise. A configured file always receives JSON and
// is rotated by size.
func Setup(c config.LogConfig) (zerolog.Logger, func() error, error) {
	return setup(c, os.Stderr)
}

func setup(c config.LogConfig, stderr *os.File) (zerolog.Logger, func() error, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var console io.Writer = stderr
	if useConsole(c.Format, stderr) {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}

	out := console
	closeFn := func() error { return nil }
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("creating log dir: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.MaxSizeMB, 1),
			MaxBackups: max(c.MaxBackups, 0),
		}
		out = zerolog.MultiLevelWriter(console, rotator)
		closeFn = rotator.Close
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger, closeFn, nil
}

// ParseLevel accepts zerolog level names plus "warning". Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func useConsole(format string, f *os.File) bool {
	switch strings.ToLower(format) {
	case "console":
		return true
	case "json":
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
