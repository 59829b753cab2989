package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	// FormatConsole writes human-readable lines.
	FormatConsole = "console"
	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"
)

// Options controls logger construction.
type Options struct {
	Level     string
	Format    string
	FilePath  string
	Component string
	Version   string

	// Rotation settings apply only when FilePath is set.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func (o Options) withDefaults() Options {
	out := o
	if out.Level == "" {
		out.Level = "info"
	}
	if out.Format == "" {
		out.Format = FormatConsole
	}
	if out.MaxSizeMB <= 0 {
		out.MaxSizeMB = 50
	}
	if out.MaxBackups < 0 {
		out.MaxBackups = 0
	}
	if out.MaxAgeDays <= 0 {
		out.MaxAgeDays = 14
	}
	return out
}

// New builds a zap logger writing to stderr or a rotating file.
func New(options Options) (*zap.Logger, error) {
	opts := options.withDefaults()

	enc, err := buildEncoder(opts.Format)
	if err != nil {
		return nil, err
	}
	ws, err := buildWriter(opts)
	if err != nil {
		return nil, err
	}
	level, err := zap.ParseAtomicLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	fields := make([]zap.Field, 0, 2)
	if opts.Component != "" {
		fields = append(fields, zap.String("component", opts.Component))
	}
	if opts.Version != "" {
		fields = append(fields, zap.String("version", opts.Version))
	}

	return zap.New(
		zapcore.NewCore(enc, ws, level),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(fields...),
	), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func buildEncoder(format string) (zapcore.Encoder, error) {
	switch format {
	case FormatJSON:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func buildWriter(opts Options) (zapcore.WriteSyncer, error) {
	if opts.FilePath == "" {
		return zapcore.Lock(zapcore.AddSync(os.Stderr)), nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}), nil
}
