package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide go-kit logger. Components take a logger via
// their constructors; this global exists for main and early startup errors.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global go-kit logger and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// UTC timestamps, caller skips the go-kit wrapping frames.
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// The level filter goes last so filtered lines pay no formatting cost.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
