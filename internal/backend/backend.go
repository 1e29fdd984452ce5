// Package backend is the boundary to the generation runtimes. A backend turns a
// prompt into a point-cloud artifact on disk; how it does so is not this
// package's concern.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrModelUnavailable is returned when no loaded backend serves a model name.
	ErrModelUnavailable = errors.New("model not available")
	// ErrDegenerateOutput marks a completed generation whose result is unusable
	// (flat or degenerate geometry).
	ErrDegenerateOutput = errors.New("degenerate output")
	// ErrInvalidModelName is returned by ParseModelName.
	ErrInvalidModelName = errors.New("invalid model name")
)

var modelNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ModelName is a validated backend key.
type ModelName string

// ParseModelName validates s as a registry key.
func ParseModelName(s string) (ModelName, error) {
	s = strings.TrimSpace(s)
	if !modelNamePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidModelName, s)
	}
	return ModelName(s), nil
}

func (m ModelName) String() string { return string(m) }

// Request carries one generation call.
type Request struct {
	JobID         string
	Prompt        string
	GuidanceScale float64
	Steps         int
	OutputPath    string
}

// ProgressFunc receives coarse progress during Generate. Fractions passed by a
// well-behaved backend are non-decreasing within one call.
type ProgressFunc func(fraction float64, message string)

// GenerationBackend is a single exclusive generation resource. Callers must not
// invoke Generate concurrently on the same instance.
type GenerationBackend interface {
	Name() ModelName
	Generate(ctx context.Context, req Request, progress ProgressFunc) (string, error)
}

// UnavailableError names the missing model and what is loaded instead.
type UnavailableError struct {
	Model     string
	Available []string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("Model '%s' not available. Available models: [%s]", e.Model, strings.Join(e.Available, ", "))
}

func (e *UnavailableError) Unwrap() error { return ErrModelUnavailable }

// NotAvailable builds the error reported for an unknown or unloaded model.
func NotAvailable(model string, available []string) error {
	return &UnavailableError{Model: model, Available: available}
}

// degenerateMarkers are substrings runtimes use to report unusable geometry.
var degenerateMarkers = []string{"flat", "degenerate"}

// ClassifyRuntimeError wraps err with ErrDegenerateOutput when its text
// indicates a quality failure.
func ClassifyRuntimeError(err error) error {
	if err == nil || errors.Is(err, ErrDegenerateOutput) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range degenerateMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrDegenerateOutput, err)
		}
	}
	return err
}
