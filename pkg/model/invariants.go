package model

import (
	"fmt"
	"strings"
)

// DefaultStyle is applied to a task/image when the caller does not specify
// one.
const DefaultStyle = "product_photography"

// NewJob constructs a Job in its initial pending state. totalTasks must be
// non-negative; it is immutable after creation.
func NewJob(id string, totalTasks int) (*Job, error) {
	if totalTasks < 0 {
		return nil, fmt.Errorf("total_tasks cannot be negative")
	}
	return &Job{
		ID:         id,
		Status:     JobPending,
		TotalTasks: totalTasks,
	}, nil
}

// CheckInvariants validates the job-level invariants from the data model:
// completed+failed never exceeds total, and status is consistent with the
// counters.
func (j *Job) CheckInvariants() error {
	if j.CompletedTasks+j.FailedTasks > j.TotalTasks {
		return fmt.Errorf("job %s: completed+failed (%d) exceeds total_tasks (%d)", j.ID, j.CompletedTasks+j.FailedTasks, j.TotalTasks)
	}
	terminalSum := j.CompletedTasks + j.FailedTasks
	switch j.Status {
	case JobCompleted:
		if terminalSum != j.TotalTasks || j.FailedTasks != 0 {
			return fmt.Errorf("job %s: status=completed inconsistent with counters", j.ID)
		}
	case JobFailed:
		if terminalSum != j.TotalTasks || j.FailedTasks == 0 {
			return fmt.Errorf("job %s: status=failed inconsistent with counters", j.ID)
		}
	}
	return nil
}

// NewTask constructs a Task in its initial pending state for the given job,
// rejecting blank prompts at the boundary.
func NewTask(id, jobID, prompt, style string) (*Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if style == "" {
		style = DefaultStyle
	}
	return &Task{
		ID:     id,
		JobID:  jobID,
		Prompt: prompt,
		Style:  style,
		Status: TaskPending,
	}, nil
}

// IsTerminal reports whether the task has reached a sink state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// NewImage constructs an Image in its initial pending state, inheriting the
// prompt and style of the task that produced it.
func NewImage(id, prompt, style string) *Image {
	return &Image{
		ID:     id,
		Prompt: prompt,
		Style:  style,
		Status: ImagePending,
	}
}

// IsReady reports whether the image status is ready or one of the later
// review states (approved, rejected). It checks the status only, not the
// owned records; a rejected image may be a partial one left by a failed
// task, without a full variant set, description, embedding or tags.
func (img *Image) IsReady() bool {
	return img.Status == ImageReady || img.Status == ImageApproved || img.Status == ImageRejected
}

// ValidateReadySet checks the "ready image" invariant given its owned
// sub-entities: exactly one variant per size preset, exactly one
// description, exactly one embedding, at least one tag.
func ValidateReadySet(variants []Variant, tags []Tag, descriptions []Description, embeddings []Embedding) error {
	seen := make(map[SizePreset]bool, len(AllSizePresets))
	for _, v := range variants {
		if seen[v.Preset] {
			return fmt.Errorf("duplicate variant for preset %s", v.Preset)
		}
		seen[v.Preset] = true
	}
	for _, preset := range AllSizePresets {
		if !seen[preset] {
			return fmt.Errorf("missing variant for preset %s", preset)
		}
	}
	if len(tags) < 1 {
		return fmt.Errorf("ready image must have at least one tag")
	}
	if len(descriptions) != 1 {
		return fmt.Errorf("ready image must have exactly one description, got %d", len(descriptions))
	}
	if len(embeddings) != 1 {
		return fmt.Errorf("ready image must have exactly one embedding, got %d", len(embeddings))
	}
	return nil
}

// DedupTags removes duplicate tags (keyed by tag string) keeping the first
// occurrence, matching the "unique per image" tag invariant.
func DedupTags(tags []Tag) []Tag {
	seen := make(map[string]bool, len(tags))
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if seen[t.Tag] {
			continue
		}
		seen[t.Tag] = true
		out = append(out, t)
	}
	return out
}
