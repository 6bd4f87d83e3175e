package forwarder

import (
	"log/slog"
	"time"
)

func parseDuration(log *slog.Logger, name, s string, def time.Duration) time.Duration {
	if s == `` {
		return def
	}
	duration, e := time.ParseDuration(s)
	if e != nil {
		log.Warn(`parse duration fail, used default `+name+` duration.`,
			`error`, e,
			name, s,
			`default`, def,
		)
		return def
	}
	return duration
}
