// Package logging builds the zap loggers used by the command line tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes
const (
	reset        = "\033[0m"
	bold         = "\033[1m"
	dim          = "\033[2m"
	red          = "\033[31m"
	gray         = "\033[90m"
	brightRed    = "\033[91m"
	brightYellow = "\033[93m"
	brightWhite  = "\033[97m"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options controls how New builds a logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Format is FormatConsole or FormatJSON. Empty means console.
	Format string

	// Colors enables ANSI colors in console output
	Colors bool

	// Output defaults to os.Stderr
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		encoder = consoleEncoder(opts.Colors)
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel converts a level name to a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

func levelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return gray
	case zapcore.InfoLevel:
		return brightWhite
	case zapcore.WarnLevel:
		return brightYellow
	case zapcore.ErrorLevel:
		return brightRed
	default:
		return red
	}
}

// consoleEncoder writes "15:04:05 I file message fields" lines.
func consoleEncoder(colors bool) zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	paint := func(color, s string) string {
		if !colors {
			return s
		}
		return color + s + reset
	}

	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(paint(dim, t.Format("15:04:05")))
	}

	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		letter := "?"
		switch level {
		case zapcore.DebugLevel:
			letter = "D"
		case zapcore.InfoLevel:
			letter = "I"
		case zapcore.WarnLevel:
			letter = "W"
		case zapcore.ErrorLevel:
			letter = "E"
		}
		enc.AppendString(paint(levelColor(level)+bold, letter))
	}

	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		enc.AppendString(paint(dim, strings.TrimSuffix(file, ".go")))
	}

	return zapcore.NewConsoleEncoder(config)
}
