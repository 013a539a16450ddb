package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// CROPBATCH_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
func Init() {
	SetLevel(os.Getenv("CROPBATCH_LOG_LEVEL"))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// SetLevel changes the global log level. Unknown names fall back to info.
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
