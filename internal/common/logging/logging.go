package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config is the console logging configuration.
type Config struct {
	// Log level, e.g. info, debug
	Level string
	// Either text or json
	Format string
}

// ConfigureLogging sets the format and output of the standard logger. It is called before configuration is
// loaded so that config errors are logged consistently.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ApplyConfig applies the level and format from loaded configuration.
func ApplyConfig(config Config) error {
	if config.Level != "" {
		level, err := log.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		log.SetLevel(level)
	}
	switch strings.ToLower(config.Format) {
	case "", "text":
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q, expected text or json", config.Format)
	}
	return nil
}
