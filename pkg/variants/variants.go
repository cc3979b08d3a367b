// Package variants derives the fixed set of size-preset encodings from a
// single decoded source image: center-crop-then-fit to the target aspect
// ratio, encoded as JPEG quality 90.
package variants

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // generation providers occasionally return webp bytes

	"github.com/aurorastudio/imageforge/pkg/model"
)

const jpegQuality = 90

// Encoded is one rendered variant, ready for upload.
type Encoded struct {
	Preset model.SizePreset
	Bytes  []byte
	Width  int
	Height int
}

// DeriveAll decodes sourceBytes once and produces one resized JPEG encoding
// per entry in model.AllSizePresets. A decode or encode failure is terminal
// for the task per the pipeline's error-handling design.
func DeriveAll(sourceBytes []byte) ([]Encoded, error) {
	if len(sourceBytes) == 0 {
		return nil, fmt.Errorf("cannot derive variants from empty image bytes")
	}

	src, err := imaging.Decode(bytes.NewReader(sourceBytes))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	encoded := make([]Encoded, 0, len(model.AllSizePresets))
	for _, preset := range model.AllSizePresets {
		dims, ok := model.PresetDimensions[preset]
		if !ok {
			return nil, fmt.Errorf("no dimensions registered for preset %s", preset)
		}
		width, height := dims[0], dims[1]

		resized := imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, fmt.Errorf("encode variant %s: %w", preset, err)
		}

		encoded = append(encoded, Encoded{
			Preset: preset,
			Bytes:  buf.Bytes(),
			Width:  width,
			Height: height,
		})
	}

	return encoded, nil
}
