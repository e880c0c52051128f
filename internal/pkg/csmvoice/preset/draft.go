package preset

import (
	"strings"

	"csmvoice/internal/pkg/csmvoice/validation"
)

// Draft is a partially specified preset as submitted by a client. Nil fields
// were not supplied.
type Draft struct {
	Name        *string  `json:"name"`
	SpeakerID   *int     `json:"speaker_id"`
	Temperature *float64 `json:"temperature" binding:"omitempty,finite,gte=0"`
	MinP        *float64 `json:"min_p" binding:"omitempty,finite,gte=0,lte=1"`
	Seed        *string  `json:"seed"`
	Speed       *float64 `json:"speed" binding:"omitempty,finite,gte=0"`
	Description *string  `json:"description"`

	// AudioPath and Text attach a sample when both are present.
	AudioPath *string `json:"audio_path"`
	Text      *string `json:"text"`
}

// newPreset names the fields a draft must carry to become a preset.
type newPreset struct {
	Name        *string  `json:"name" binding:"required"`
	SpeakerID   *int     `json:"speaker_id" binding:"required"`
	Temperature *float64 `json:"temperature" binding:"required"`
	MinP        *float64 `json:"min_p" binding:"required"`
}

// Validate checks the ranges of the supplied fields.
func (d Draft) Validate() error {
	return validation.Struct("preset.draft", d)
}

// Preset builds a new preset from the draft. Name, speaker, temperature and
// min_p are required.
func (d Draft) Preset() (Preset, error) {
	required := newPreset{Name: d.Name, SpeakerID: d.SpeakerID, Temperature: d.Temperature, MinP: d.MinP}
	if err := validation.Struct("preset.draft", required); err != nil {
		return Preset{}, err
	}
	if err := d.Validate(); err != nil {
		return Preset{}, err
	}

	p := Preset{
		Name:        *d.Name,
		SpeakerID:   *d.SpeakerID,
		Temperature: *d.Temperature,
		MinP:        *d.MinP,
		Seed:        d.Seed,
		Description: d.Description,
		Speed:       DefaultSpeed,
	}
	if d.Speed != nil {
		p.Speed = *d.Speed
	}

	return p, nil
}

// Apply overlays the supplied fields onto existing. Identity and creation time
// are kept.
func (d Draft) Apply(existing Preset) Preset {
	p := existing
	if d.Name != nil {
		p.Name = *d.Name
	}
	if d.SpeakerID != nil {
		p.SpeakerID = *d.SpeakerID
	}
	if d.Temperature != nil {
		p.Temperature = *d.Temperature
	}
	if d.MinP != nil {
		p.MinP = *d.MinP
	}
	if d.Seed != nil {
		p.Seed = d.Seed
	}
	if d.Speed != nil {
		p.Speed = *d.Speed
	}
	if d.Description != nil {
		p.Description = d.Description
	}
	return p
}

// Sample reports the sample to attach, if the draft carries one.
func (d Draft) Sample() (audioPath, text string, ok bool) {
	if d.AudioPath == nil || d.Text == nil {
		return "", "", false
	}
	audioPath = strings.TrimSpace(*d.AudioPath)
	text = strings.TrimSpace(*d.Text)
	if audioPath == "" || text == "" {
		return "", "", false
	}
	return audioPath, text, true
}
