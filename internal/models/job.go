package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State enumerates the queue-native lifecycle of a generation job.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

var (
	ErrTerminal          = errors.New("job already in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("job is not running")
	ErrUnknownState      = errors.New("unknown job state")
)

var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
}

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is one of the canonical states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState normalizes queue-native state names, including the aliases used by
// other queue vocabularies (PENDING, STARTED, SUCCESS, FAILURE, REVOKED).
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "QUEUED", "PENDING":
		return StateQueued, nil
	case "RUNNING", "STARTED":
		return StateRunning, nil
	case "SUCCEEDED", "SUCCESS":
		return StateSucceeded, nil
	case "FAILED", "FAILURE":
		return StateFailed, nil
	case "CANCELLED", "REVOKED":
		return StateCancelled, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// Params are the client-supplied generation inputs.
type Params struct {
	Prompt        string  `json:"prompt"`
	Model         string  `json:"model"`
	GuidanceScale float64 `json:"guidance_scale"`
	Steps         int     `json:"num_inference_steps"`
}

// Job is the queue-native record of one generation request.
type Job struct {
	ID          string
	Params      Params
	State       State
	Progress    float64
	Message     string
	Error       string
	Result      string
	Preview     string
	WorkerID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewJob builds a QUEUED job.
func NewJob(id string, p Params, now time.Time) Job {
	now = now.UTC()
	return Job{
		ID:        id,
		Params:    p,
		State:     StateQueued,
		Message:   "Job is queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition describes a requested state change.
type Transition struct {
	To       State
	Message  string
	Error    string
	Result   string
	Preview  string
	WorkerID string
	At       time.Time
}

// Apply performs t on the job, enforcing the state machine: nothing leaves a
// terminal state, progress is 0 on entering RUNNING and 1 on SUCCEEDED, result
// is set iff SUCCEEDED and error iff FAILED.
func (j *Job) Apply(t Transition) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.State)
	}
	if !CanTransition(j.State, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, t.To)
	}
	if t.To == StateSucceeded && t.Result == "" {
		return errors.New("succeeded transition requires a result")
	}

	at := t.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	j.touch(at)
	j.State = t.To
	if t.Message != "" {
		j.Message = t.Message
	}
	if t.WorkerID != "" {
		j.WorkerID = t.WorkerID
	}

	switch t.To {
	case StateRunning:
		j.Progress = 0
		j.Error = ""
		j.Result = ""
	case StateSucceeded:
		j.Progress = 1
		j.Result = t.Result
		j.Preview = t.Preview
		j.Error = ""
	case StateFailed:
		j.Error = t.Error
		if j.Error == "" {
			j.Error = "generation failed"
		}
		j.Result = ""
		j.Preview = ""
	case StateCancelled:
		j.Error = ""
		j.Result = ""
		j.Preview = ""
	}
	if t.To.Terminal() {
		completed := j.UpdatedAt
		j.CompletedAt = &completed
	}
	return nil
}

// SetProgress records a progress checkpoint. The fraction is clamped to
// [0, 1] and never decreases; the applied value is returned.
func (j *Job) SetProgress(fraction float64, message string, at time.Time) (float64, error) {
	if j.State != StateRunning {
		return j.Progress, fmt.Errorf("%w: %s is %s", ErrNotRunning, j.ID, j.State)
	}
	fraction = Clamp01(fraction)
	if fraction < j.Progress {
		fraction = j.Progress
	}
	j.Progress = fraction
	if message != "" {
		j.Message = message
	}
	if at.IsZero() {
		at = time.Now()
	}
	j.touch(at.UTC())
	return fraction, nil
}

// touch advances UpdatedAt monotonically.
func (j *Job) touch(at time.Time) {
	if at.After(j.UpdatedAt) {
		j.UpdatedAt = at
	}
}

// Clamp01 bounds v to [0, 1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
