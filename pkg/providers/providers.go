// Package providers defines the uniform adapter interface over the three
// external collaborators (image generation, vision tagging, embedding) and
// a name-to-constructor registry so the pipeline never imports a concrete
// provider package directly.
package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/aurorastudio/imageforge/pkg/model"
)

// SyncResult is the bytes produced by a synchronous generation call.
type SyncResult struct {
	Bytes   []byte
	CostUSD float64
}

// AsyncHandle identifies an in-flight asynchronous provider job to poll.
type AsyncHandle struct {
	ProviderJobID string
}

// PollStatus is the outcome of one Poll call against an async provider job.
type PollStatus int

const (
	PollPending PollStatus = iota
	PollCompleted
	PollFailed
)

// PollResult carries the outcome of a poll attempt.
type PollResult struct {
	Status   PollStatus
	Progress float64
	Bytes    []byte
	CostUSD  float64
	Kind     model.ErrorKind
	Message  string
}

// GenerationAdapter produces image bytes from a prompt.
type GenerationAdapter interface {
	IsAsync() bool
	Generate(ctx context.Context, prompt string, width, height int) (*SyncResult, *AsyncHandle, error)
	Poll(ctx context.Context, handle AsyncHandle) (*PollResult, error)
	ClassifyError(err error) model.ErrorKind
}

// VisionResult is the output of tagging a generated image.
type VisionResult struct {
	Tags           []string
	Description    string
	Category       string
	Confidence     float64
	DominantColors []model.Color
	CostUSD        float64
}

// VisionAdapter tags and describes a generated image.
type VisionAdapter interface {
	IsAsync() bool
	Tag(ctx context.Context, imageBytes []byte, prompt string) (*VisionResult, error)
	ClassifyError(err error) model.ErrorKind
}

// EmbeddingAdapter builds a fixed-dimension semantic vector from text.
type EmbeddingAdapter interface {
	IsAsync() bool
	Embed(ctx context.Context, input string) ([]float32, error)
	ClassifyError(err error) model.ErrorKind
}

// Registry maps configured adapter names to concrete constructors. Tests
// and local/dev runs register stub adapters under names like
// "stub-generation"; the pipeline depends only on the interfaces above.
type Registry struct {
	mu         sync.RWMutex
	generation map[string]func(config map[string]string) (GenerationAdapter, error)
	vision     map[string]func(config map[string]string) (VisionAdapter, error)
	embedding  map[string]func(config map[string]string) (EmbeddingAdapter, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		generation: make(map[string]func(config map[string]string) (GenerationAdapter, error)),
		vision:     make(map[string]func(config map[string]string) (VisionAdapter, error)),
		embedding:  make(map[string]func(config map[string]string) (EmbeddingAdapter, error)),
	}
}

func (r *Registry) RegisterGeneration(name string, ctor func(config map[string]string) (GenerationAdapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation[name] = ctor
}

func (r *Registry) RegisterVision(name string, ctor func(config map[string]string) (VisionAdapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vision[name] = ctor
}

func (r *Registry) RegisterEmbedding(name string, ctor func(config map[string]string) (EmbeddingAdapter, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedding[name] = ctor
}

func (r *Registry) BuildGeneration(name string, config map[string]string) (GenerationAdapter, error) {
	r.mu.RLock()
	ctor, ok := r.generation[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no generation adapter registered under name %q", name)
	}
	return ctor(config)
}

func (r *Registry) BuildVision(name string, config map[string]string) (VisionAdapter, error) {
	r.mu.RLock()
	ctor, ok := r.vision[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no vision adapter registered under name %q", name)
	}
	return ctor(config)
}

func (r *Registry) BuildEmbedding(name string, config map[string]string) (EmbeddingAdapter, error) {
	r.mu.RLock()
	ctor, ok := r.embedding[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no embedding adapter registered under name %q", name)
	}
	return ctor(config)
}

// DefaultRegistry returns a registry with the stub adapters pre-registered,
// suitable for local/dev runs and as the base for tests.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterGeneration("stub-generation", func(config map[string]string) (GenerationAdapter, error) {
		return NewStubGeneration(config), nil
	})
	r.RegisterVision("stub-vision", func(config map[string]string) (VisionAdapter, error) {
		return NewStubVision(config), nil
	})
	r.RegisterEmbedding("stub-embedding", func(config map[string]string) (EmbeddingAdapter, error) {
		return NewStubEmbedding(config), nil
	})
	return r
}
