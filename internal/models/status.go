package models

import (
	"errors"
	"fmt"
	"time"
)

// ClientStatus is the status vocabulary exposed to clients and pushed to the
// status-of-record service.
type ClientStatus string

const (
	StatusQueued     ClientStatus = "QUEUED"
	StatusGenerating ClientStatus = "GENERATING"
	StatusComplete   ClientStatus = "COMPLETE"
	StatusFailed     ClientStatus = "FAILED"
	StatusCancelled  ClientStatus = "CANCELLED"
)

// clientStatus is the queue-native -> client-facing mapping table. Aliases are
// normalized by ParseState before reaching it.
var clientStatus = map[State]ClientStatus{
	StateQueued:    StatusQueued,
	StateRunning:   StatusGenerating,
	StateSucceeded: StatusComplete,
	StateFailed:    StatusFailed,
	StateCancelled: StatusCancelled,
}

// ClientStatus maps a queue-native state to its client-facing status.
func (s State) ClientStatus() ClientStatus {
	if c, ok := clientStatus[s]; ok {
		return c
	}
	return StatusQueued
}

// Terminal reports whether c is a final status.
func (c ClientStatus) Terminal() bool {
	return c == StatusComplete || c == StatusFailed || c == StatusCancelled
}

// Rank orders statuses along the job lifecycle: QUEUED, then GENERATING, then
// any terminal status. A status never moves to a lower rank.
func (c ClientStatus) Rank() int {
	switch c {
	case StatusQueued:
		return 0
	case StatusGenerating:
		return 1
	case StatusComplete, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// Valid reports whether c belongs to the client vocabulary.
func (c ClientStatus) Valid() bool {
	switch c {
	case StatusQueued, StatusGenerating, StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Snapshot is the canonical status document shared by GET /status and the
// status-of-record push channel.
type Snapshot struct {
	ID      string       `json:"id"`
	Data    SnapshotData `json:"data"`
	Outputs *Outputs     `json:"outputs"`
}

// SnapshotData carries status metadata. Timestamps are UTC.
type SnapshotData struct {
	Status      ClientStatus `json:"status"`
	Progress    float64      `json:"progress"`
	Message     *string      `json:"message"`
	Error       *string      `json:"error"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at"`
}

// Outputs references generated artifacts relative to the artifact root.
type Outputs struct {
	PlyPath     string `json:"ply_path"`
	PreviewPath string `json:"preview_path,omitempty"`
}

// Snapshot renders the job in the canonical wire schema.
func (j Job) Snapshot() Snapshot {
	s := Snapshot{
		ID: j.ID,
		Data: SnapshotData{
			Status:    j.State.ClientStatus(),
			Progress:  j.Progress,
			Message:   strPtr(j.Message),
			CreatedAt: j.CreatedAt.UTC(),
			UpdatedAt: j.UpdatedAt.UTC(),
		},
	}
	if j.CompletedAt != nil {
		c := j.CompletedAt.UTC()
		s.Data.CompletedAt = &c
	}
	switch j.State {
	case StateSucceeded:
		s.Data.Progress = 1
		s.Outputs = &Outputs{PlyPath: j.Result, PreviewPath: j.Preview}
	case StateFailed:
		msg := j.Error
		if msg == "" {
			msg = "generation failed"
		}
		s.Data.Error = &msg
	}
	return s
}

// Terminal reports whether the snapshot describes a finished job.
func (s Snapshot) Terminal() bool {
	return s.Data.Status.Terminal()
}

// Validate checks a snapshot received over the wire.
func (s Snapshot) Validate() error {
	if s.ID == "" {
		return errors.New("snapshot id is required")
	}
	if !s.Data.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Data.Status)
	}
	if s.Data.Progress < 0 || s.Data.Progress > 1 {
		return fmt.Errorf("progress %v out of range", s.Data.Progress)
	}
	if s.Outputs != nil && s.Data.Status != StatusComplete {
		return errors.New("outputs are only valid on COMPLETE")
	}
	if s.Data.Status == StatusComplete && (s.Outputs == nil || s.Outputs.PlyPath == "") {
		return errors.New("COMPLETE requires outputs.ply_path")
	}
	if s.Data.Status == StatusFailed && (s.Data.Error == nil || *s.Data.Error == "") {
		return errors.New("FAILED requires an error")
	}
	return nil
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
