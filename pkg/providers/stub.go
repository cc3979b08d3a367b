package providers

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/aurorastudio/imageforge/pkg/model"
)

// stubImageBytes is a small valid JPEG, so a pipeline run against the stub
// generation adapter exercises the real decode/resize path instead of
// failing variant derivation on garbage bytes.
var stubImageBytes = func() []byte {
	img := imaging.New(64, 64, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		panic(fmt.Sprintf("encode stub image: %v", err))
	}
	return buf.Bytes()
}()

// StubGeneration is a deterministic, in-process generation adapter used by
// local/dev runs and tests. It can be configured to fail a fixed number of
// times before succeeding, to exercise the retry path.
type StubGeneration struct {
	mu           sync.Mutex
	failuresLeft int
	failTerminal bool
	emptyBytes   bool
}

// NewStubGeneration builds a StubGeneration from string config, honoring
// "fail_count" (number of transient failures before success), "fail_mode"
// ("terminal" to make those failures non-retryable), and "empty_bytes"
// ("true" to return a zero-length image, which is terminal by spec).
func NewStubGeneration(config map[string]string) *StubGeneration {
	s := &StubGeneration{}
	if v := config["fail_count"]; v != "" {
		fmt.Sscanf(v, "%d", &s.failuresLeft)
	}
	s.failTerminal = config["fail_mode"] == "terminal"
	s.emptyBytes = config["empty_bytes"] == "true"
	return s
}

func (s *StubGeneration) IsAsync() bool { return false }

func (s *StubGeneration) Generate(ctx context.Context, prompt string, width, height int) (*SyncResult, *AsyncHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failuresLeft > 0 {
		s.failuresLeft--
		kind := model.ErrorProviderTransient
		if s.failTerminal {
			kind = model.ErrorProviderTerminal
		}
		return nil, nil, NewProviderError(kind, "stub generation configured to fail", nil)
	}

	if s.emptyBytes {
		return &SyncResult{Bytes: []byte{}}, nil, nil
	}

	return &SyncResult{Bytes: stubImageBytes, CostUSD: 0.01}, nil, nil
}

func (s *StubGeneration) Poll(ctx context.Context, handle AsyncHandle) (*PollResult, error) {
	return nil, fmt.Errorf("stub generation adapter is synchronous, Poll should never be called")
}

func (s *StubGeneration) ClassifyError(err error) model.ErrorKind { return ClassifyGeneric(err) }

// StubVision is a deterministic vision/tagging adapter for tests.
type StubVision struct {
	tags         []string
	description  string
	failTerminal bool
	failuresLeft int
	mu           sync.Mutex
}

// NewStubVision builds a StubVision from string config, honoring "tags"
// (comma-separated) and "fail_count"/"fail_mode" like StubGeneration.
func NewStubVision(config map[string]string) *StubVision {
	v := &StubVision{description: "a generated product photograph"}
	if raw := config["tags"]; raw != "" {
		v.tags = strings.Split(raw, ",")
	} else {
		v.tags = []string{"x"}
	}
	if n := config["fail_count"]; n != "" {
		fmt.Sscanf(n, "%d", &v.failuresLeft)
	}
	v.failTerminal = config["fail_mode"] == "terminal"
	return v
}

func (v *StubVision) IsAsync() bool { return false }

func (v *StubVision) Tag(ctx context.Context, imageBytes []byte, prompt string) (*VisionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failuresLeft > 0 {
		v.failuresLeft--
		kind := model.ErrorProviderTransient
		if v.failTerminal {
			kind = model.ErrorProviderTerminal
		}
		return nil, NewProviderError(kind, "stub vision configured to fail", nil)
	}

	tags := append([]string(nil), v.tags...)
	sort.Strings(tags)

	return &VisionResult{
		Tags:        tags,
		Description: v.description,
		Category:    "product_photography",
		Confidence:  0.95,
		DominantColors: []model.Color{
			{Hex: "#808080", Percentage: 62.0, IsDominant: true},
			{Hex: "#ffffff", Percentage: 38.0, IsDominant: false},
		},
		CostUSD: 0.002,
	}, nil
}

func (v *StubVision) ClassifyError(err error) model.ErrorKind { return ClassifyGeneric(err) }

// StubEmbedding is a deterministic embedding adapter for tests, returning a
// fixed-dimension zero vector by default.
type StubEmbedding struct {
	dimension int
}

// NewStubEmbedding builds a StubEmbedding, honoring "dimension" (default
// 1536, matching common production embedding sizes).
func NewStubEmbedding(config map[string]string) *StubEmbedding {
	e := &StubEmbedding{dimension: 1536}
	if v := config["dimension"]; v != "" {
		fmt.Sscanf(v, "%d", &e.dimension)
	}
	return e
}

func (e *StubEmbedding) IsAsync() bool { return false }

func (e *StubEmbedding) Embed(ctx context.Context, input string) ([]float32, error) {
	return make([]float32, e.dimension), nil
}

func (e *StubEmbedding) ClassifyError(err error) model.ErrorKind { return ClassifyGeneric(err) }
