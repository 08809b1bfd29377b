package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string `yaml:"level" env:"LOGGER_LEVEL" env-default:"info"`
	Pretty bool   `yaml:"pretty" env:"LOGGER_PRETTY" env-default:"false"`
}

// New returns the root logger. Unknown levels fall back to info.
func New(cfg Config, env, version string) zerolog.Logger {
	return NewWithWriter(os.Stdout, cfg, env, version)
}

func NewWithWriter(w io.Writer, cfg Config, env, version string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("env", env).
		Str("version", version).
		Logger()
}
