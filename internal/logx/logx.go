// Package logx holds the shared logger for the axbridge binaries.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger used by the cmd binaries.
var Log = log.Logger

func init() {
	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	Configure(os.Getenv("LOG_LEVEL"))
}

// Configure sets the global log level from a level name. Unknown names fall
// back to info.
func Configure(level string) {
	switch strings.ToLower(level) {
	case "trace", "all":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
