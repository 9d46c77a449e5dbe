package main

import (
	"os"
	"time"

	"github.com/habedi/convo/cmd"
	"github.com/habedi/convo/config"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// main sets up logging from CONVO_DEBUG and runs the root command. A config file can still raise the level to debug.
func main() {
	configureLogLevelFromEnv()
	configureLogWriter(os.Stderr)

	cmd.Execute()
}

// configureLogLevelFromEnv enables debug logging when CONVO_DEBUG is set to anything but "", "0" or "false".
// Otherwise only warnings and errors are logged, so forced logouts and skipped stream records stay visible.
func configureLogLevelFromEnv() {
	if config.ParseDebug(os.Getenv(config.EnvDebug)) {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// configureLogWriter writes human-readable logs to a terminal and JSON lines everywhere else.
func configureLogWriter(f *os.File) {
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly})
		return
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
}
