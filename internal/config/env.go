// Package config provides the environment-variable helpers shared by the
// brain and server roles' LoadFromEnv (cluster.Config is built from the
// cluster-worker subcommand's flags instead),
// grounded on the teacher's internal/config and internal/dashboard config
// loaders (getEnv/parseDuration/parseInt/validate-via-error-slice).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key, or fallback if unset or empty.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// RequireEnv returns the value of key, or an error if it is unset or empty.
func RequireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// GetEnvInt parses key as an int, or returns fallback on absence/parse error.
func GetEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetEnvDuration parses key as a number of seconds, or returns fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// JoinErrors renders a slice of validation errors as a single error,
// matching dashboard.Config.validate's error-slice-then-join pattern.
func JoinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}
