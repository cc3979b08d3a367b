package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// CreateImage inserts a new image row in its initial pending state.
func (s *Store) CreateImage(ctx context.Context, image *model.Image) error {
	const query = `
		INSERT INTO image (id, prompt, style, status, generation_cost_usd, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at`

	return s.pool.QueryRow(ctx, query, image.ID, image.Prompt, image.Style, image.Status, image.GenerationCostUSD).
		Scan(&image.CreatedAt, &image.UpdatedAt)
}

// GetImage fetches an image by id.
func (s *Store) GetImage(ctx context.Context, imageID string) (*model.Image, error) {
	const query = `
		SELECT id, prompt, style, status, tagging_confidence, generation_cost_usd, tagging_cost_usd, created_at, updated_at
		FROM image WHERE id = $1`

	img := &model.Image{}
	err := s.pool.QueryRow(ctx, query, imageID).Scan(
		&img.ID, &img.Prompt, &img.Style, &img.Status, &img.TaggingConfidence,
		&img.GenerationCostUSD, &img.TaggingCostUSD, &img.CreatedAt, &img.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get image %s: %w", imageID, err)
	}
	return img, nil
}

// UpdateImageCost writes the write-only cost columns; no read path in this
// engine ever surfaces them. A future reporting job owns aggregation.
func (s *Store) UpdateImageCost(ctx context.Context, imageID string, generationCostUSD, taggingCostUSD *float64) error {
	const query = `
		UPDATE image SET
			generation_cost_usd = COALESCE($2, generation_cost_usd),
			tagging_cost_usd = COALESCE($3, tagging_cost_usd),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, imageID, generationCostUSD, taggingCostUSD)
	if err != nil {
		return fmt.Errorf("update image %s cost: %w", imageID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateImageConfidence records the vision adapter's overall tagging
// confidence on the image row.
func (s *Store) UpdateImageConfidence(ctx context.Context, imageID string, confidence float64) error {
	const query = `UPDATE image SET tagging_confidence = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, imageID, confidence)
	if err != nil {
		return fmt.Errorf("update image %s confidence: %w", imageID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateImageStatus advances the image's monotonic pipeline-order status.
func (s *Store) UpdateImageStatus(ctx context.Context, imageID string, status model.ImageStatus) error {
	const query = `UPDATE image SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, imageID, status)
	if err != nil {
		return fmt.Errorf("update image %s status: %w", imageID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutVariant upserts a variant row, keyed by (image_id, preset). Uploads are
// idempotent by path, so a retried derive-and-upload simply overwrites.
func (s *Store) PutVariant(ctx context.Context, v model.Variant) error {
	const query = `
		INSERT INTO image_variant (image_id, preset, path, size, width, height)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (image_id, preset) DO UPDATE SET
			path = EXCLUDED.path, size = EXCLUDED.size, width = EXCLUDED.width, height = EXCLUDED.height`

	_, err := s.pool.Exec(ctx, query, v.ImageID, v.Preset, v.Path, v.Size, v.Width, v.Height)
	if err != nil {
		return fmt.Errorf("put variant %s/%s: %w", v.ImageID, v.Preset, err)
	}
	return nil
}

// ListVariants lists all variants owned by an image.
func (s *Store) ListVariants(ctx context.Context, imageID string) ([]model.Variant, error) {
	const query = `SELECT image_id, preset, path, size, width, height FROM image_variant WHERE image_id = $1`
	rows, err := s.pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("list variants for image %s: %w", imageID, err)
	}
	defer rows.Close()

	var variants []model.Variant
	for rows.Next() {
		var v model.Variant
		if err := rows.Scan(&v.ImageID, &v.Preset, &v.Path, &v.Size, &v.Width, &v.Height); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// PutTags persists a deduped tag set for an image, replacing whatever was
// there before (a retried tag step must converge to the same tag set).
func (s *Store) PutTags(ctx context.Context, imageID string, tags []model.Tag) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM image_tag WHERE image_id = $1`, imageID); err != nil {
		return fmt.Errorf("clear existing tags for image %s: %w", imageID, err)
	}

	for _, t := range model.DedupTags(tags) {
		const insert = `INSERT INTO image_tag (image_id, tag, confidence, source) VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, insert, imageID, t.Tag, t.Confidence, t.Source); err != nil {
			return fmt.Errorf("insert tag %q for image %s: %w", t.Tag, imageID, err)
		}
	}

	return tx.Commit(ctx)
}

// ListTags lists all tags owned by an image.
func (s *Store) ListTags(ctx context.Context, imageID string) ([]model.Tag, error) {
	const query = `SELECT image_id, tag, confidence, source FROM image_tag WHERE image_id = $1`
	rows, err := s.pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("list tags for image %s: %w", imageID, err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ImageID, &t.Tag, &t.Confidence, &t.Source); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// PutDescription upserts the single description owned by an image.
func (s *Store) PutDescription(ctx context.Context, d model.Description) error {
	const query = `
		INSERT INTO image_description (image_id, description, analysis, model)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (image_id) DO UPDATE SET
			description = EXCLUDED.description, analysis = EXCLUDED.analysis, model = EXCLUDED.model`

	_, err := s.pool.Exec(ctx, query, d.ImageID, d.Description, d.Analysis, d.Model)
	if err != nil {
		return fmt.Errorf("put description for image %s: %w", d.ImageID, err)
	}
	return nil
}

// PutColors replaces the dominant/secondary color set owned by an image.
func (s *Store) PutColors(ctx context.Context, imageID string, colors []model.Color) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM image_color WHERE image_id = $1`, imageID); err != nil {
		return fmt.Errorf("clear existing colors for image %s: %w", imageID, err)
	}
	for _, c := range colors {
		const insert = `INSERT INTO image_color (image_id, hex, percentage, is_dominant) VALUES ($1, $2, $3, $4)`
		if _, err := tx.Exec(ctx, insert, imageID, c.Hex, c.Percentage, c.IsDominant); err != nil {
			return fmt.Errorf("insert color %s for image %s: %w", c.Hex, imageID, err)
		}
	}
	return tx.Commit(ctx)
}

// PutEmbedding upserts the single embedding vector owned by an image.
func (s *Store) PutEmbedding(ctx context.Context, e model.Embedding) error {
	const query = `
		INSERT INTO image_embedding (image_id, vector, model)
		VALUES ($1, $2, $3)
		ON CONFLICT (image_id) DO UPDATE SET vector = EXCLUDED.vector, model = EXCLUDED.model`

	_, err := s.pool.Exec(ctx, query, e.ImageID, vectorToFloat64(e.Vector), e.Model)
	if err != nil {
		return fmt.Errorf("put embedding for image %s: %w", e.ImageID, err)
	}
	return nil
}

func vectorToFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
