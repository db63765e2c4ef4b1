package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the global logger. Outside development the output
// is JSON.
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	if c.Env == "development" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	return nil
}
