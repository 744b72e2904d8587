package norm

import (
	"time"

	"github.com/rs/zerolog"
)

// QueryInfo describes one executed statement. It is passed to every
// registered QueryHook after execution.
type QueryInfo struct {
	Operation string
	Query     string
	Args      []any
	Duration  time.Duration
	Err       error
}

// QueryHook receives QueryInfo for every statement the ORM executes. Hooks
// must be fast; they run synchronously on the query path.
type QueryHook func(QueryInfo)

// NewZerologHook returns a QueryHook that logs statements with the given
// logger. Successful queries log at debug level, failures at error level.
func NewZerologHook(logger zerolog.Logger) QueryHook {
	return func(info QueryInfo) {
		var ev *zerolog.Event
		if info.Err != nil {
			ev = logger.Error().Err(info.Err)
		} else {
			ev = logger.Debug()
		}

		ev.Str("op", info.Operation).
			Str("query", info.Query).
			Dur("duration", info.Duration)

		if len(info.Args) > 0 {
			ev = ev.Str("args", formatArgs(info.Args))
		}

		ev.Msg("query")
	}
}

// SlowQueryHook returns a QueryHook that logs queries slower than threshold
// at warn level and stays silent otherwise.
func SlowQueryHook(logger zerolog.Logger, threshold time.Duration) QueryHook {
	return func(info QueryInfo) {
		if info.Err != nil || info.Duration < threshold {
			return
		}
		logger.Warn().
			Str("op", info.Operation).
			Str("query", info.Query).
			Dur("duration", info.Duration).
			Msg("slow query")
	}
}
