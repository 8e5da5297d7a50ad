package debug

import (
	"context"
	"flag"
	"log/slog"
	"os"
)

const (
	DEBUG_CRITICAL = 1
	DEBUG_ERROR    = 2
	DEBUG_INFO     = 3
	DEBUG_VERBOSE  = 4
	DEBUG_PACKETS  = 5
	DEBUG_ALL      = 6
)

var (
	debugLevel  = flag.Int("debug", 3, "debug level (1-6)")
	logger      *slog.Logger
	initialized bool
)

func Init() {
	if initialized {
		return
	}
	initialized = true

	opts := &slog.HandlerOptions{
		Level: slogLevel(*debugLevel),
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	slog.SetDefault(logger)
}

func slogLevel(level int) slog.Level {
	switch {
	case level >= DEBUG_VERBOSE:
		return slog.LevelDebug
	case level >= DEBUG_INFO:
		return slog.LevelInfo
	case level >= DEBUG_ERROR:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func Log(level int, msg string, args ...interface{}) {
	if !initialized {
		Init()
	}

	if *debugLevel < level {
		return
	}

	logger.Log(context.TODO(), slogLevel(level), msg, args...)
}

func SetDebugLevel(level int) {
	*debugLevel = level
}

func GetDebugLevel() int {
	return *debugLevel
}
