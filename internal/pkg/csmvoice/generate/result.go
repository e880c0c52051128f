package generate

import (
	"math"

	"csmvoice/internal/pkg/csmvoice/apperr"
)

type VoiceParameters struct {
	Speaker     int     `json:"speaker"`
	Temperature float64 `json:"temperature"`
	MinP        float64 `json:"min_p"`
	Seed        int64   `json:"seed"`
}

type Result struct {
	Success         bool             `json:"success"`
	Message         string           `json:"message"`
	Text            string           `json:"text,omitempty"`
	AudioPath       string           `json:"audio_path,omitempty"`
	DownloadPath    string           `json:"download_path,omitempty"`
	Filename        string           `json:"filename,omitempty"`
	Duration        float64          `json:"duration"`
	GenerationTime  float64          `json:"generation_time"`
	RealTimeFactor  float64          `json:"real_time_factor"`
	VoiceParameters *VoiceParameters `json:"voice_parameters,omitempty"`
	PresetID        *int64           `json:"preset_id,omitempty"`
	PresetError     string           `json:"preset_error,omitempty"`
	ErrorDetails    string           `json:"error_details,omitempty"`
}

// FailureResult is the response body for a failed generation.
func FailureResult(err error) *Result {
	return &Result{
		Success:      false,
		Message:      "Error generating speech: " + apperr.Message(err),
		ErrorDetails: err.Error(),
	}
}

// RealTimeFactor is generation seconds per second of audio; zero when no
// audio was produced.
func RealTimeFactor(generationSeconds, audioSeconds float64) float64 {
	if audioSeconds <= 0 || math.IsNaN(audioSeconds) {
		return 0
	}
	return generationSeconds / audioSeconds
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
