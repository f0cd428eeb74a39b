package config

import (
	"fmt"
	"os"
	"strconv"
)

// EnvString reads a string environment variable; ok reports presence.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	return value, ok
}

// EnvInt reads an integer environment variable. The error is non-nil
// only when the variable is set but not a valid integer.
func EnvInt(key string) (int, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, true, nil
}

// EnvBool reads a boolean environment variable. Accepts the forms
// understood by strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, true, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return value, true, nil
}
