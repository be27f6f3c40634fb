// Package config resolves runtime configuration from the environment.
package config

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphtx/pkg/envutil"
)

// Config carries the runtime settings of a graphtx instance. All values are
// resolved from GRAPHTX_* environment variables with sensible defaults, so
// a zero-configuration start works out of the box.
type Config struct {
	// DataDir is the database directory. Ignored when InMemory is set.
	DataDir string

	// InMemory runs the storage engine without touching disk.
	InMemory bool

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string

	// LogJSON switches log output to JSON for machine consumption.
	LogJSON bool

	// PopulationTimeout bounds how long a constraint creation waits for
	// its backing index to populate. Zero means wait indefinitely.
	PopulationTimeout time.Duration
}

// FromEnv builds a Config from the environment.
func FromEnv() Config {
	return Config{
		DataDir:           envutil.Get("GRAPHTX_DATA_DIR", "data"),
		InMemory:          envutil.GetBoolLoose("GRAPHTX_IN_MEMORY", false),
		LogLevel:          envutil.Get("GRAPHTX_LOG_LEVEL", "info"),
		LogJSON:           envutil.GetBoolStrict("GRAPHTX_LOG_JSON", false),
		PopulationTimeout: envutil.GetDurationOrSeconds("GRAPHTX_POPULATION_TIMEOUT", 0),
	}
}

// NewLogger builds a logger configured per this Config. An unknown level
// falls back to info.
func (c Config) NewLogger() *logrus.Entry {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(log)
}
