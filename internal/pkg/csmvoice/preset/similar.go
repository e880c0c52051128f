package preset

import (
	"context"
	"strings"

	"csmvoice/internal/pkg/csmvoice/apperr"
)

// Fixed match windows. A preset matches when its speaker is equal and its
// temperature and min_p lie within these distances of the query, inclusive.
const (
	TemperatureTolerance = 0.05
	MinPTolerance        = 0.02
)

// boundSlack keeps values that sit exactly on a window edge inside it despite
// binary rounding of the decimal tolerances.
const boundSlack = 1e-9

type SimilarQuery struct {
	SpeakerID   int
	Temperature float64
	MinP        float64
	// Seed narrows the match to an exact seed when non-empty.
	Seed string
}

type Matcher interface {
	FindSimilar(ctx context.Context, q SimilarQuery) ([]Preset, error)
}

// FindSimilar returns matching presets, most recent first.
func (s *GormStore) FindSimilar(ctx context.Context, q SimilarQuery) ([]Preset, error) {
	if !finite(q.Temperature) || !finite(q.MinP) {
		return nil, apperr.Validation("preset.find_similar", "temperature and min_p must be finite")
	}

	tLow, tHigh := q.Temperature-TemperatureTolerance-boundSlack, q.Temperature+TemperatureTolerance+boundSlack
	pLow, pHigh := q.MinP-MinPTolerance-boundSlack, q.MinP+MinPTolerance+boundSlack

	tx := s.db.WithContext(ctx).
		Where("speaker_id = ?", q.SpeakerID).
		Where("temperature BETWEEN ? AND ?", tLow, tHigh).
		Where("min_p BETWEEN ? AND ?", pLow, pHigh)

	if seed := strings.TrimSpace(q.Seed); seed != "" {
		tx = tx.Where("seed = ?", seed)
	}

	var models []PresetModel
	if err := tx.Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "preset.find_similar", "failed to query similar presets", err)
	}
	return presetsFromModels(models), nil
}
