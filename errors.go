package main

import (
	"fmt"
	"strings"
)

// ConfigError reports an unreadable config file, missing keys or a broken template.
type ConfigError struct {
	Path string
	Keys []string
	Err  error
}

func (e *ConfigError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("config %s: missing keys: %s", e.Path, strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// InsufficientExamplesError is returned when a category has fewer than two few-shot rows.
type InsufficientExamplesError struct {
	Category int
	Found    int
}

func (e *InsufficientExamplesError) Error() string {
	return fmt.Sprintf("category %d: need 2 few-shot examples, found %d", e.Category, e.Found)
}

// ServiceError wraps a failed text-generation call with the stage and key that issued it.
type ServiceError struct {
	Stage string
	Key   string
	Model string
	Err   error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Stage)
	if e.Key != "" {
		fmt.Fprintf(&b, " [%s]", e.Key)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model %s", e.Model)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Err }
