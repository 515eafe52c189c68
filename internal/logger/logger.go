// Package logger builds the process wide slog.Logger from the configured
// level and output format.
package logger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var (
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
)

// NewLogger returns a logger writing to stdout. Format is one of json, text
// or tint. Level names are matched case insensitively.
func NewLogger(logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(logLevel))
	if err != nil {
		return nil, errors.Join(ErrInvalidLogLevel, fmt.Errorf("log level: %s", logLevel))
	}

	switch strings.ToLower(logFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})), nil
	case "tint":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})), nil
	}

	return nil, errors.Join(ErrInvalidLogFormat, fmt.Errorf("log format: %s", logFormat))
}
