package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// ErrInvalidParameter marks submission-time validation failures.
var ErrInvalidParameter = errors.New("invalid parameter")

// ParamError names the offending field.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ParamError) Unwrap() error { return ErrInvalidParameter }

// Defaults applied to omitted request fields.
const (
	DefaultModel         = "shap_e"
	DefaultGuidanceScale = 15.0
	DefaultSteps         = 64
)

// Bounds are the accepted ranges for generation parameters.
type Bounds struct {
	GuidanceMin  float64
	GuidanceMax  float64
	StepsMin     int
	StepsMax     int
	PromptMaxLen int
}

// DefaultBounds mirrors the documented parameter ranges.
func DefaultBounds() Bounds {
	return Bounds{
		GuidanceMin:  1.0,
		GuidanceMax:  30.0,
		StepsMin:     16,
		StepsMax:     256,
		PromptMaxLen: 1000,
	}
}

// Validate checks p against b. The model name is checked for shape only;
// availability is decided against the live backend set.
func (b Bounds) Validate(p Params) error {
	prompt := strings.TrimSpace(p.Prompt)
	if prompt == "" {
		return &ParamError{Field: "prompt", Reason: "must not be empty"}
	}
	if b.PromptMaxLen > 0 && utf8.RuneCountInString(prompt) > b.PromptMaxLen {
		return &ParamError{Field: "prompt", Reason: fmt.Sprintf("longer than %d characters", b.PromptMaxLen)}
	}
	if strings.TrimSpace(p.Model) == "" {
		return &ParamError{Field: "model", Reason: "must not be empty"}
	}
	if math.IsNaN(p.GuidanceScale) || p.GuidanceScale < b.GuidanceMin || p.GuidanceScale > b.GuidanceMax {
		return &ParamError{Field: "guidance_scale", Reason: fmt.Sprintf("must be within [%g, %g]", b.GuidanceMin, b.GuidanceMax)}
	}
	if p.Steps < b.StepsMin || p.Steps > b.StepsMax {
		return &ParamError{Field: "num_inference_steps", Reason: fmt.Sprintf("must be within [%d, %d]", b.StepsMin, b.StepsMax)}
	}
	return nil
}
