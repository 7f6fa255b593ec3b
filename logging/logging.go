// Package logging configures the package-wide logrus logger every other
// package logs through, replacing
// original_source/junction/__init__.py's configure_logging.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Config selects the logger's level and output format.
type Config struct {
	Level string `long:"level" env:"LEVEL" default:"info" description:"Logging level (trace, debug, info, warn, error)"`
	JSON  bool   `long:"json" env:"JSON" description:"Write structured JSON log lines instead of text"`
}

// Configure installs cfg's level and formatter on the standard logger.
// Call it once, as early in main as possible.
func Configure(cfg Config) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
	return nil
}
