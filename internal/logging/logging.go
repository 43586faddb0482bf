// Package logging builds the zerolog logger used by the baton CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains logging configuration.
type Config struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Output  string `mapstructure:"output"`
	NoColor bool   `mapstructure:"no_color"`
}

var (
	validLevels  = []string{"trace", "debug", "info", "warn", "error", "fatal", "disabled"}
	validFormats = []string{"console", "text", "json"}
)

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks level and format.
func (c *Config) Validate() error {
	if !contains(validLevels, strings.ToLower(c.Level)) {
		return fmt.Errorf("log level must be one of %v (got: %s)", validLevels, c.Level)
	}
	if !contains(validFormats, strings.ToLower(c.Format)) {
		return fmt.Errorf("log format must be one of %v (got: %s)", validFormats, c.Format)
	}
	return nil
}

// New creates a logger from cfg. Output is "stdout", "stderr" or a file
// path opened for appending. The returned Closer releases the file; it is
// a no-op for the standard streams.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	w, err := outputWriter(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	closer := io.Closer(nopCloser{})
	if f, ok := w.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		closer = f
	}
	log, err := NewWithWriter(cfg, w)
	if err != nil {
		closer.Close()
		return zerolog.Nop(), nopCloser{}, err
	}
	return log, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewWithWriter creates a logger that writes to w.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), err
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}

	var zl zerolog.Logger
	switch strings.ToLower(cfg.Format) {
	case "json":
		zl = zerolog.New(w)
	default:
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.TimeOnly,
			NoColor:    cfg.NoColor,
		})
	}
	return zl.Level(level).With().Timestamp().Logger(), nil
}

func outputWriter(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		return f, nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
