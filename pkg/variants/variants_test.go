package variants

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/aurorastudio/imageforge/pkg/model"
)

func sourceJPEG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(1024, 768, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode fixture image: %v", err)
	}
	return buf.Bytes()
}

func TestDeriveAllProducesOnePerPreset(t *testing.T) {
	encoded, err := DeriveAll(sourceJPEG(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(encoded) != len(model.AllSizePresets) {
		t.Fatalf("expected %d variants, got %d", len(model.AllSizePresets), len(encoded))
	}

	seen := make(map[model.SizePreset]bool)
	for _, e := range encoded {
		seen[e.Preset] = true
		dims := model.PresetDimensions[e.Preset]
		if e.Width != dims[0] || e.Height != dims[1] {
			t.Fatalf("preset %s: expected %dx%d, got %dx%d", e.Preset, dims[0], dims[1], e.Width, e.Height)
		}
		if len(e.Bytes) == 0 {
			t.Fatalf("preset %s: expected non-empty encoded bytes", e.Preset)
		}
	}
	for _, preset := range model.AllSizePresets {
		if !seen[preset] {
			t.Fatalf("missing preset %s in output", preset)
		}
	}
}

func TestDeriveAllRejectsEmptyBytes(t *testing.T) {
	if _, err := DeriveAll(nil); err == nil {
		t.Fatal("expected error for empty source bytes")
	}
}
