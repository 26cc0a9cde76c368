package logger

import (
	"go.uber.org/zap/zapcore"
)

// Config selects the encoding and verbosity of the process logger.
type Config struct {
	// Format is one of "auto", "console", "logfmt" or "json". "auto" picks
	// console output on a terminal and logfmt otherwise.
	Format string        `toml:"format"`
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}
