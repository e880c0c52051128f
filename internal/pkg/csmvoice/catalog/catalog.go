// Package catalog applies client edits to stored presets: partial updates
// merge over the stored row, and a sample can ride along with a create or
// update.
package catalog

import (
	"context"

	"github.com/rs/zerolog"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/preset"
)

type Catalog struct {
	store preset.Store
	log   zerolog.Logger
}

func New(store preset.Store, log zerolog.Logger) *Catalog {
	return &Catalog{store: store, log: log}
}

func (c *Catalog) Create(ctx context.Context, d preset.Draft) (preset.Preset, error) {
	p, err := d.Preset()
	if err != nil {
		return preset.Preset{}, err
	}

	var id int64
	if path, text, ok := d.Sample(); ok {
		id, err = c.store.CreatePresetWithSample(ctx, p, path, text)
	} else {
		id, err = c.store.CreatePreset(ctx, p)
	}
	if err != nil {
		return preset.Preset{}, err
	}

	c.log.Info().Int64("preset_id", id).Str("name", p.Name).Msg("Preset created")

	return c.mustGet(ctx, id, "catalog.create")
}

func (c *Catalog) Update(ctx context.Context, id int64, d preset.Draft) (preset.Preset, error) {
	const op = "catalog.update"

	if err := d.Validate(); err != nil {
		return preset.Preset{}, err
	}

	existing, err := c.Get(ctx, id)
	if err != nil {
		return preset.Preset{}, err
	}

	ok, err := c.store.UpdatePreset(ctx, d.Apply(existing))
	if err != nil {
		return preset.Preset{}, err
	}
	if !ok {
		return preset.Preset{}, apperr.NotFound(op, "preset %d not found", id)
	}

	if err := c.attachSample(ctx, id, d); err != nil {
		return preset.Preset{}, err
	}

	c.log.Info().Int64("preset_id", id).Msg("Preset updated")

	return c.mustGet(ctx, id, op)
}

func (c *Catalog) Get(ctx context.Context, id int64) (preset.Preset, error) {
	p, ok, err := c.store.GetPreset(ctx, id)
	if err != nil {
		return preset.Preset{}, err
	}
	if !ok {
		return preset.Preset{}, apperr.NotFound("catalog.get", "preset %d not found", id)
	}
	return p, nil
}

func (c *Catalog) List(ctx context.Context) ([]preset.Preset, error) {
	return c.store.ListPresets(ctx)
}

func (c *Catalog) Delete(ctx context.Context, id int64) error {
	ok, err := c.store.DeletePreset(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("catalog.delete", "preset %d not found", id)
	}

	c.log.Info().Int64("preset_id", id).Msg("Preset deleted")
	return nil
}

func (c *Catalog) Samples(ctx context.Context, id int64) ([]preset.Sample, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListSamples(ctx, id)
}

func (c *Catalog) Similar(ctx context.Context, q preset.SimilarQuery) ([]preset.Preset, error) {
	return c.store.FindSimilar(ctx, q)
}

func (c *Catalog) BuiltinVoices() map[string][]preset.BuiltinVoice {
	return preset.BuiltinByCategory()
}

func (c *Catalog) attachSample(ctx context.Context, id int64, d preset.Draft) error {
	path, text, ok := d.Sample()
	if !ok {
		return nil
	}
	_, err := c.store.AddSample(ctx, id, path, text)
	return err
}

func (c *Catalog) mustGet(ctx context.Context, id int64, op string) (preset.Preset, error) {
	p, ok, err := c.store.GetPreset(ctx, id)
	if err != nil {
		return preset.Preset{}, err
	}
	if !ok {
		return preset.Preset{}, apperr.NotFound(op, "preset %d disappeared", id)
	}
	return p, nil
}
