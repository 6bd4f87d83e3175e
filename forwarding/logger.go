package forwarding

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/powerpuffpenguin/muxf/config"
)

func newLogger(conf *config.Logger) *slog.Logger {
	return newLoggerWriter(os.Stdout, conf)
}
func newLoggerWriter(w io.Writer, conf *config.Logger) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(conf.Level) {
	case `debug`:
		level = slog.LevelDebug
	case `warn`:
		level = slog.LevelWarn
	case `error`:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: conf.Source,
	}
	if strings.EqualFold(conf.Format, `json`) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
