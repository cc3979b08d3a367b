// Package model defines the core data types of the batch image-generation
// job engine: jobs, tasks, images and their owned sub-entities.
package model

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ImageStatus is the lifecycle state of an Image.
type ImageStatus string

const (
	ImagePending    ImageStatus = "pending"
	ImageProcessing ImageStatus = "processing"
	ImageTagging    ImageStatus = "tagging"
	ImageReady      ImageStatus = "ready"
	ImageApproved   ImageStatus = "approved"
	ImageRejected   ImageStatus = "rejected"
)

// TagSource records how an image tag was produced.
type TagSource string

const (
	TagSourceAuto     TagSource = "auto"
	TagSourceManual   TagSource = "manual"
	TagSourceTemplate TagSource = "template"
)

// ErrorKind classifies a task failure for retry and reporting purposes.
type ErrorKind string

const (
	ErrorValidation        ErrorKind = "validation"
	ErrorProviderTransient ErrorKind = "provider_transient"
	ErrorProviderTerminal  ErrorKind = "provider_terminal"
	ErrorInfrastructure    ErrorKind = "infrastructure"
	ErrorCancelled         ErrorKind = "cancelled"
	ErrorTimeout           ErrorKind = "timeout"
)

// Retryable reports whether a failure of this kind is eligible for
// pipeline-level retry, independent of remaining retry budget.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorProviderTransient, ErrorInfrastructure:
		return true
	default:
		return false
	}
}

// SizePreset is one of the fixed, closed set of variant sizes. Additions
// require a schema change, not a config change.
type SizePreset string

const (
	SizeThumbnail   SizePreset = "thumbnail"
	SizeProductCard SizePreset = "product_card"
	SizeFullProduct SizePreset = "full_product"
	SizeHeroImage   SizePreset = "hero_image"
	SizeFullRes     SizePreset = "full_res"
)

// PresetDimensions gives the target width/height in pixels for each preset.
var PresetDimensions = map[SizePreset][2]int{
	SizeThumbnail:   {150, 150},
	SizeProductCard: {400, 300},
	SizeFullProduct: {800, 600},
	SizeHeroImage:   {1920, 600},
	SizeFullRes:     {2048, 2048},
}

// AllSizePresets lists the closed enum in a stable order, used wherever the
// pipeline must produce "one variant per declared size preset".
var AllSizePresets = []SizePreset{
	SizeThumbnail, SizeProductCard, SizeFullProduct, SizeHeroImage, SizeFullRes,
}

// Job is a user-submitted batch of prompts, tracked as one durable record
// with aggregate progress counters.
type Job struct {
	ID             string
	Status         JobStatus
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// ProgressPercentage derives the completion percentage for a job. It is
// always computed, never stored.
func (j *Job) ProgressPercentage() float64 {
	if j.TotalTasks == 0 {
		return 0
	}
	done := float64(j.CompletedTasks + j.FailedTasks)
	pct := done / float64(j.TotalTasks) * 100
	return roundTo1(pct)
}

func roundTo1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

// Task is the unit of work for a single prompt+index; it traverses the
// pipeline once per retry.
type Task struct {
	ID           string
	JobID        string
	Prompt       string
	Style        string
	Status       TaskStatus
	ImageID      *string
	ErrorMessage *string
	RetryCount   int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Image is the product of a successful task.
type Image struct {
	ID                string
	Prompt            string
	Style             string
	Status            ImageStatus
	TaggingConfidence *float64
	GenerationCostUSD *float64
	TaggingCostUSD    *float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Variant is a resized encoding of an image at one of the fixed size
// presets.
type Variant struct {
	ImageID string
	Preset  SizePreset
	Path    string
	Size    int64
	Width   int
	Height  int
}

// Tag is a single vision-derived or manually applied label on an image.
type Tag struct {
	ImageID    string
	Tag        string
	Confidence float64
	Source     TagSource
}

// Description is the vision-model narrative description of an image.
type Description struct {
	ImageID     string
	Description string
	Analysis    string
	Model       string
}

// Embedding is the fixed-dimension semantic-search vector for an image.
type Embedding struct {
	ImageID string
	Vector  []float32
	Model   string
}

// Color is an extracted dominant or secondary color of an image.
type Color struct {
	ImageID    string
	Hex        string
	Percentage float64
	IsDominant bool
}

// Outcome is the terminal (or retry-pending) result of one Task Pipeline
// invocation, reported to the Progress Aggregator.
type Outcome struct {
	TaskID    string
	Completed bool
	ImageID   string // set iff Completed
	Kind      ErrorKind
	Message   string
	Retryable bool
}
