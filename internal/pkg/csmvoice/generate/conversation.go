package generate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/audio"
	"csmvoice/internal/pkg/csmvoice/engine"
)

const (
	DefaultTurnPause      = 500 * time.Millisecond
	FullConversationFile  = "full_conversation.wav"
	defaultTurnDurationMs = 10_000
)

type Turn struct {
	Speaker int    `yaml:"speaker" json:"speaker"`
	Text    string `yaml:"text" json:"text"`
}

// Script is a conversation read from YAML. Zero sampling values fall back to
// the conversation defaults.
type Script struct {
	Temperature   float64 `yaml:"temperature"`
	MinP          float64 `yaml:"min_p"`
	MaxDurationMs int     `yaml:"max_duration_ms"`
	Seed          string  `yaml:"seed"`
	Turns         []Turn  `yaml:"turns"`
}

func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("failed to read script: %w", err)
	}

	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, apperr.Wrap(apperr.KindValidation, "generate.load_script", "invalid conversation script", err)
	}
	if len(s.Turns) == 0 {
		return Script{}, apperr.Validation("generate.load_script", "script %s has no turns", path)
	}
	return s, nil
}

type ConverseOptions struct {
	OutputDir     string
	Pause         time.Duration
	Temperature   float64
	MinP          float64
	MaxDurationMs int
	Seed          string
}

// Options derives conversation options from the script, using the demo
// sampling values where the script is silent.
func (s Script) Options(outputDir string) ConverseOptions {
	o := ConverseOptions{
		OutputDir:     outputDir,
		Pause:         DefaultTurnPause,
		Temperature:   0.5,
		MinP:          0.1,
		MaxDurationMs: defaultTurnDurationMs,
		Seed:          s.Seed,
	}
	if s.Temperature > 0 {
		o.Temperature = s.Temperature
	}
	if s.MinP > 0 {
		o.MinP = s.MinP
	}
	if s.MaxDurationMs > 0 {
		o.MaxDurationMs = s.MaxDurationMs
	}
	return o
}

type TurnResult struct {
	Index          int
	Speaker        int
	Text           string
	Path           string
	Duration       float64
	GenerationTime float64
}

type Conversation struct {
	Turns    []TurnResult
	FullPath string
	Duration float64
}

// Converse synthesises each turn conditioned on every earlier turn, writes
// one file per turn and a joined file with a pause between turns.
func (g *Generator) Converse(ctx context.Context, turns []Turn, opts ConverseOptions) (*Conversation, error) {
	if len(turns) == 0 {
		return nil, apperr.Validation("generate.converse", "conversation has no turns")
	}
	if opts.Pause <= 0 {
		opts.Pause = DefaultTurnPause
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var (
		segments []engine.Segment
		clips    []*audio.Audio
		conv     = &Conversation{}
	)

	for i, turn := range turns {
		v, err := g.prepare(Request{
			Text:          turn.Text,
			SpeakerID:     turn.Speaker,
			Temperature:   opts.Temperature,
			MinP:          opts.MinP,
			MaxDurationMs: opts.MaxDurationMs,
			Seed:          opts.Seed,
		})
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i+1, err)
		}

		g.log.Info().Int("turn", i+1).Int("speaker", v.speaker).Str("text", v.text).Msg("Generating turn")

		out, elapsed, err := g.synthesize(ctx, v, segments)
		if err != nil {
			return nil, fmt.Errorf("turn %d: %w", i+1, err)
		}

		path := filepath.Join(opts.OutputDir, fmt.Sprintf("turn_%d_speaker_%d.wav", i+1, v.speaker))
		if err := out.SaveWAV(path); err != nil {
			return nil, apperr.Wrap(apperr.KindPersistence, "generate.converse", "failed to save turn", err)
		}

		conv.Turns = append(conv.Turns, TurnResult{
			Index:          i + 1,
			Speaker:        v.speaker,
			Text:           v.text,
			Path:           path,
			Duration:       out.Duration(),
			GenerationTime: elapsed.Seconds(),
		})

		segments = append(segments, engine.Segment{SpeakerID: v.speaker, Text: v.text, Audio: out})
		clips = append(clips, out)
	}

	full, err := audio.Concat(opts.Pause, clips...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, "generate.converse", "failed to join turns", err)
	}

	conv.FullPath = filepath.Join(opts.OutputDir, FullConversationFile)
	if err := full.SaveWAV(conv.FullPath); err != nil {
		return nil, apperr.Wrap(apperr.KindPersistence, "generate.converse", "failed to save conversation", err)
	}
	conv.Duration = full.Duration()

	return conv, nil
}
