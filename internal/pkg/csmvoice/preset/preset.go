// Package preset persists named voice configurations and the audio samples
// generated with them, and finds stored presets close to a set of parameters.
package preset

import (
	"math"
	"strings"
	"time"

	"csmvoice/internal/pkg/csmvoice/apperr"
)

const DefaultSpeed = 1.0

type Preset struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	SpeakerID   int       `json:"speaker_id"`
	Temperature float64   `json:"temperature"`
	MinP        float64   `json:"min_p"`
	Seed        *string   `json:"seed"`
	Speed       float64   `json:"speed"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Sample struct {
	ID        int64     `json:"id"`
	PresetID  int64     `json:"preset_id"`
	AudioPath string    `json:"audio_path"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Normalize applies defaults in place and rejects values the store will not
// persist.
func (p *Preset) Normalize() error {
	const op = "preset.validate"

	if strings.TrimSpace(p.Name) == "" {
		return apperr.Validation(op, "name must not be blank")
	}
	if !finite(p.Temperature) || p.Temperature < 0 {
		return apperr.Validation(op, "temperature must be a finite non-negative number, got %v", p.Temperature)
	}
	if !finite(p.MinP) || p.MinP < 0 || p.MinP > 1 {
		return apperr.Validation(op, "min_p must be within [0, 1], got %v", p.MinP)
	}

	switch {
	case p.Speed == 0:
		p.Speed = DefaultSpeed
	case !finite(p.Speed) || p.Speed < 0:
		return apperr.Validation(op, "speed must be positive, got %v", p.Speed)
	}

	if p.Seed != nil && strings.TrimSpace(*p.Seed) == "" {
		p.Seed = nil
	}

	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func StringPtr(s string) *string {
	return &s
}
