package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig holds lumberjack rotation parameters shared by the daemon log
// and the per-broker output mirrors.
type FileConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int  `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int  `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool `mapstructure:"compress"`     // gzip rotated files
}

func (f FileConfig) open(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// Config describes the daemon logger and where broker output is mirrored.
// If Dir is set, each broker's combined output is written to Dir/<name>.log.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, color or json
	File   string `mapstructure:"file"`   // daemon log file; stderr when empty
	Dir    string `mapstructure:"dir"`    // broker output mirrors

	FileConfig `mapstructure:",squash"`
}

// Writer returns a rotating writer for the named broker's output, or nil
// when no mirror directory is configured.
func (c Config) Writer(name string) io.WriteCloser {
	if c.Dir == "" || name == "" {
		return nil
	}
	return c.open(filepath.Join(c.Dir, sanitize(name)+".log"))
}

// New builds the daemon logger. The returned closer releases the log file,
// if any, and is never nil.
func New(c Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f := c.open(c.File)
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "", "color":
		// colors only make sense on a terminal
		if c.File != "" {
			h = slog.NewTextHandler(w, opts)
		} else {
			h = NewColorTextHandler(w, opts, true)
		}
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

// ParseLevel maps a config string to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// sanitize keeps broker names from escaping the log directory.
func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
