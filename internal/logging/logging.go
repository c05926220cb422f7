// Package logging builds the zap logger used by the CLI. Each run gets its
// own directory with debug, info and error files, and latest.* symlinks in
// the base directory point at the newest run.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eugenetaranov/hostops/internal/fsutil"
)

const runStampLayout = "20060102_150405"

// Config controls where logs go.
type Config struct {
	// Dir is the base directory. Empty disables file logging.
	Dir string `mapstructure:"dir"`

	// Name prefixes the run directory and file names.
	Name string `mapstructure:"name"`

	// Level is the console level: debug, info, warn or error.
	Level string `mapstructure:"level"`

	Console bool `mapstructure:"console"`
	Color   bool `mapstructure:"color"`

	// Plain prints only the message on the console.
	Plain bool `mapstructure:"plain"`

	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`

	// Timestamp names the run directory. Zero means now.
	Timestamp time.Time `mapstructure:"-"`
}

// DefaultConfig returns console logging at info level and files under
// ~/.hostops/logs.
func DefaultConfig() Config {
	return Config{
		Dir:        "~/.hostops/logs",
		Name:       "hostops",
		Level:      "info",
		Console:    true,
		Color:      true,
		MaxSizeMB:  10,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Paths lists the files of one run.
type Paths struct {
	Dir   string
	Debug string
	Info  string
	Error string
}

// Logger owns the zap logger and its open files.
type Logger struct {
	zap   *zap.Logger
	paths Paths
	files []*lumberjack.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	console io.Writer
	fs      *fsutil.FS
}

// WithConsoleWriter sends console output to w instead of stderr.
func WithConsoleWriter(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithFS replaces the filesystem used to create directories and links.
func WithFS(f *fsutil.FS) Option {
	return func(o *options) { o.fs = f }
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", s)
	}
}

// New builds a logger from cfg.
func New(cfg Config, opts ...Option) (*Logger, error) {
	o := options{console: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fs == nil {
		o.fs = fsutil.OS(nil)
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "hostops"
	}

	l := &Logger{}
	var cores []zapcore.Core

	if cfg.Console && o.console != nil {
		color := cfg.Color && isTerminal(o.console)
		enc := zapcore.NewConsoleEncoder(consoleEncoderConfig(cfg.Plain, color))
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(o.console)), level))
	}

	if cfg.Dir != "" {
		fileCores, err := l.openFiles(cfg, o.fs)
		if err != nil {
			return nil, err
		}
		cores = append(cores, fileCores...)
	}

	if len(cores) == 0 {
		l.zap = zap.NewNop()
		return l, nil
	}
	l.zap = zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	if l.paths.Dir != "" {
		base := filepath.Dir(l.paths.Dir)
		err := o.fs.LinkLatest(map[string]string{
			filepath.Join(base, "latest.debug"): l.paths.Debug,
			filepath.Join(base, "latest.info"):  l.paths.Info,
			filepath.Join(base, "latest.error"): l.paths.Error,
		})
		if err != nil {
			l.zap.Warn("failed to update latest log links", zap.Error(err))
		}
	}
	return l, nil
}

func (l *Logger) openFiles(cfg Config, f *fsutil.FS) ([]zapcore.Core, error) {
	stamp := cfg.Timestamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	root := fsutil.ExpandHome(cfg.Dir)
	run := cfg.Name + "_" + stamp.Format(runStampLayout)
	dir := filepath.Join(root, run)
	if f.DirExists(dir) {
		// two runs started within the same second
		run += "_" + strings.ToLower(fsutil.RandomString(4))
		dir = filepath.Join(root, run)
	}
	if err := f.CreateDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l.paths = Paths{
		Dir:   dir,
		Debug: filepath.Join(dir, run+".debug.log"),
		Info:  filepath.Join(dir, run+".info.log"),
		Error: filepath.Join(dir, run+".error.log"),
	}

	enc := zapcore.NewConsoleEncoder(fileEncoderConfig())
	files := []struct {
		path  string
		level zapcore.Level
	}{
		{l.paths.Debug, zapcore.DebugLevel},
		{l.paths.Info, zapcore.InfoLevel},
		{l.paths.Error, zapcore.ErrorLevel},
	}

	cores := make([]zapcore.Core, 0, len(files))
	for _, file := range files {
		w := &lumberjack.Logger{
			Filename:   file.path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		l.files = append(l.files, w)
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.AddSync(w), file.level))
	}
	return cores, nil
}

func consoleEncoderConfig(plain, color bool) zapcore.EncoderConfig {
	if plain {
		return zapcore.EncoderConfig{
			MessageKey: "msg",
			LineEnding: zapcore.DefaultLineEnding,
		}
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	cfg.CallerKey = ""
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Zap returns the underlying logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Paths returns the files of this run. It is empty when file logging is off.
func (l *Logger) Paths() Paths {
	return l.paths
}

// Close flushes and closes the log files.
func (l *Logger) Close() error {
	_ = l.zap.Sync()
	var err error
	for _, f := range l.files {
		err = multierr.Append(err, f.Close())
	}
	l.files = nil
	return err
}
