// Package environment reads Hangar configuration from process environment
// variables.
//
// Every helper takes a variable name and a fallback. A variable that is unset,
// empty, or fails to parse yields the fallback; only RequiredString reports an
// error, so that cmd/ packages decide how to exit.
package environment

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none are
// given) into the process environment. Variables that are already set win.
// A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("no dotenv file, using process environment", "file", f)
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
		slog.Info("loaded dotenv file", "file", f)
	}
	return nil
}

// StringOr returns the named variable, or fallback when it is unset or empty.
func StringOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// RequiredString returns the named variable or an error when it is unset or
// empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named variable with strconv.ParseBool.
func BoolOr(name string, fallback bool) bool {
	return parsed(name, fallback, strconv.ParseBool)
}

// IntOr parses the named variable as a base-10 int.
func IntOr(name string, fallback int) int {
	return parsed(name, fallback, strconv.Atoi)
}

// DurationOr parses the named variable with time.ParseDuration ("30s", "5m").
func DurationOr(name string, fallback time.Duration) time.Duration {
	return parsed(name, fallback, time.ParseDuration)
}

func parsed[T any](name string, fallback T, parse func(string) (T, error)) T {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("ignoring unparsable environment variable", "name", name, "err", err)
		return fallback
	}
	return v
}
