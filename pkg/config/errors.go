package config

import (
	"fmt"
	"strings"
)

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) error {
	return &LoadError{File: file, Err: err}
}

// ValidationErrors collects all validation failures so operators see every
// problem in one pass instead of fixing them one restart at a time.
type ValidationErrors struct {
	Problems []string
}

func (e *ValidationErrors) Error() string {
	return fmt.Sprintf("%d validation error(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationErrors) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}
