// Package envutil parses the GRAPHTX_* environment variables backing
// runtime configuration.
package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns the env var value or fallback when unset/empty.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// GetBoolStrict parses bool values using strconv.ParseBool semantics,
// falling back on unset or malformed input.
func GetBoolStrict(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

// GetBoolLoose accepts the common truthy spellings (true/1/yes/on, any
// case); anything else set is false, unset uses fallback.
func GetBoolLoose(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return fallback
}

// GetDurationOrSeconds parses a time.Duration string first, then a bare
// integer as seconds, so both "90s" and "90" configure the same timeout.
func GetDurationOrSeconds(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
