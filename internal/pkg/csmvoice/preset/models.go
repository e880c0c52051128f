package preset

import "time"

type PresetModel struct {
	ID          int64         `gorm:"primaryKey;autoIncrement"`
	Name        string        `gorm:"not null"`
	SpeakerID   int           `gorm:"not null;index:idx_voice_presets_params,priority:1"`
	Temperature float64       `gorm:"not null;index:idx_voice_presets_params,priority:2"`
	MinP        float64       `gorm:"not null;index:idx_voice_presets_params,priority:3"`
	Seed        *string       `gorm:"type:varchar(64)"`
	Speed       float64       `gorm:"not null"`
	Description *string       `gorm:"type:text"`
	CreatedAt   time.Time     `gorm:"not null;index"`
	Samples     []SampleModel `gorm:"foreignKey:PresetID;constraint:OnDelete:CASCADE"`
}

func (PresetModel) TableName() string {
	return "voice_presets"
}

type SampleModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	PresetID  int64     `gorm:"not null;index"`
	AudioPath string    `gorm:"not null"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (SampleModel) TableName() string {
	return "voice_samples"
}

func presetToModel(p Preset) PresetModel {
	return PresetModel{
		ID:          p.ID,
		Name:        p.Name,
		SpeakerID:   p.SpeakerID,
		Temperature: p.Temperature,
		MinP:        p.MinP,
		Seed:        p.Seed,
		Speed:       p.Speed,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func presetFromModel(m PresetModel) Preset {
	return Preset{
		ID:          m.ID,
		Name:        m.Name,
		SpeakerID:   m.SpeakerID,
		Temperature: m.Temperature,
		MinP:        m.MinP,
		Seed:        m.Seed,
		Speed:       m.Speed,
		Description: m.Description,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func sampleFromModel(m SampleModel) Sample {
	return Sample{
		ID:        m.ID,
		PresetID:  m.PresetID,
		AudioPath: m.AudioPath,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func presetsFromModels(models []PresetModel) []Preset {
	res := make([]Preset, 0, len(models))
	for _, m := range models {
		res = append(res, presetFromModel(m))
	}
	return res
}
