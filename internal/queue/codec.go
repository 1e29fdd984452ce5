package queue

import (
	"fmt"
	"strconv"
	"time"

	"genjutsu/internal/models"
)

// encodeJob flattens a job into hash fields. Empty optional fields are
// written as empty strings so a rewrite clears them.
func encodeJob(j models.Job) map[string]any {
	completed := ""
	if j.CompletedAt != nil {
		completed = j.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"id":             j.ID,
		"prompt":         j.Params.Prompt,
		"model":          j.Params.Model,
		"guidance_scale": strconv.FormatFloat(j.Params.GuidanceScale, 'f', -1, 64),
		"steps":          strconv.Itoa(j.Params.Steps),
		"state":          string(j.State),
		"progress":       strconv.FormatFloat(j.Progress, 'f', -1, 64),
		"message":        j.Message,
		"error":          j.Error,
		"result":         j.Result,
		"preview":        j.Preview,
		"worker_id":      j.WorkerID,
		"created_at":     j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":     j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"completed_at":   completed,
	}
}

func decodeJob(f map[string]string) (models.Job, error) {
	state, err := models.ParseState(f["state"])
	if err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", f["id"], err)
	}
	j := models.Job{
		ID: f["id"],
		Params: models.Params{
			Prompt: f["prompt"],
			Model:  f["model"],
		},
		State:    state,
		Message:  f["message"],
		Error:    f["error"],
		Result:   f["result"],
		Preview:  f["preview"],
		WorkerID: f["worker_id"],
	}
	if j.Params.GuidanceScale, err = parseFloat(f["guidance_scale"]); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s guidance_scale: %w", j.ID, err)
	}
	if v := f["steps"]; v != "" {
		if j.Params.Steps, err = strconv.Atoi(v); err != nil {
			return models.Job{}, fmt.Errorf("decode job %s steps: %w", j.ID, err)
		}
	}
	if j.Progress, err = parseFloat(f["progress"]); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s progress: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s created_at: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s updated_at: %w", j.ID, err)
	}
	if v := f["completed_at"]; v != "" {
		c, err := parseTime(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("decode job %s completed_at: %w", j.ID, err)
		}
		j.CompletedAt = &c
	}
	return j, nil
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
