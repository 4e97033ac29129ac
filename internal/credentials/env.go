package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Environment-variable resolution failure modes.
var (
	// ErrMissingEnv — the variable is required but unset.
	ErrMissingEnv = errors.New("environment variable not set")

	// ErrUnresolvedPlaceholder — the variable still holds a ${X} template
	// value, usually a deployment misconfiguration.
	ErrUnresolvedPlaceholder = errors.New("environment variable is an unresolved placeholder")

	// ErrEmptyEnv — the variable is set but contains only whitespace.
	ErrEmptyEnv = errors.New("environment variable is empty")
)

// resolveEnv reads an environment variable with strict failure modes.
// Returns ("", nil) for an unset optional variable.
func resolveEnv(name string, required bool) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		if required {
			return "", fmt.Errorf("credentials: %s: %w", name, ErrMissingEnv)
		}
		return "", nil
	}
	if v == "${"+name+"}" || placeholderRe.MatchString(v) {
		return "", fmt.Errorf("credentials: %s: %w", name, ErrUnresolvedPlaceholder)
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("credentials: %s: %w", name, ErrEmptyEnv)
	}
	return v, nil
}
