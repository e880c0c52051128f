// Package generate turns a text and a set of voice parameters into stored
// audio, optionally recording the voice as a reusable preset.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/artifact"
	"csmvoice/internal/pkg/csmvoice/audio"
	"csmvoice/internal/pkg/csmvoice/engine"
	"csmvoice/internal/pkg/csmvoice/observe"
	"csmvoice/internal/pkg/csmvoice/preset"
	"csmvoice/internal/pkg/csmvoice/textnorm"
	"csmvoice/internal/pkg/csmvoice/validation"
)

const seedRange = 1_000_000

type Synthesizer interface {
	Synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error)
}

// PresetBook is the part of the preset store auto-save needs.
type PresetBook interface {
	FindSimilar(ctx context.Context, q preset.SimilarQuery) ([]preset.Preset, error)
	CreatePresetWithSample(ctx context.Context, p preset.Preset, audioPath, text string) (int64, error)
	AddSample(ctx context.Context, presetID int64, audioPath, text string) (int64, error)
}

type Options struct {
	SpeakerCount         int
	DefaultText          string
	DefaultTemperature   float64
	DefaultMinP          float64
	DefaultMaxDurationMs int
	// Synthesis is cancelled after TimeoutBase + TimeoutFactor * max duration.
	TimeoutBase   time.Duration
	TimeoutFactor float64
}

func DefaultOptions() Options {
	return Options{
		SpeakerCount:         10,
		DefaultText:          "Hello from CSM!",
		DefaultTemperature:   0.7,
		DefaultMinP:          0.05,
		DefaultMaxDurationMs: 30_000,
		TimeoutBase:          30 * time.Second,
		TimeoutFactor:        10,
	}
}

type Request struct {
	Text          string  `json:"text"`
	SpeakerID     int     `json:"speaker_id"`
	Temperature   float64 `json:"temperature" binding:"finite,gte=0"`
	MinP          float64 `json:"min_p" binding:"finite,gte=0,lte=1"`
	MaxDurationMs int     `json:"max_duration_ms"`
	// Seed is the caller's seed as typed; blank or unparseable values are
	// replaced by a generated one.
	Seed     string           `json:"seed"`
	AutoSave bool             `json:"auto_save"`
	Context  []engine.Segment `json:"-"`
}

type Option func(*Generator)

func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func WithOptions(o Options) Option {
	return func(g *Generator) { g.opts = o }
}

type Generator struct {
	synth      Synthesizer
	artifacts  artifact.Writer
	presets    PresetBook
	metrics    *observe.Metrics
	normalizer *textnorm.Normalizer
	log        zerolog.Logger
	now        func() time.Time
	opts       Options
}

// New builds a Generator. presets may be nil, which disables auto-save.
func New(synth Synthesizer, artifacts artifact.Writer, presets PresetBook, log zerolog.Logger, opts ...Option) *Generator {
	g := &Generator{
		synth:      synth,
		artifacts:  artifacts,
		presets:    presets,
		normalizer: textnorm.NewNormalizer(),
		log:        log,
		now:        time.Now,
		opts:       DefaultOptions(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.opts.SpeakerCount <= 0 {
		g.opts.SpeakerCount = DefaultOptions().SpeakerCount
	}
	return g
}

func (g *Generator) Options() Options {
	return g.opts
}

// NormalizeSpeaker folds any integer into [0, SpeakerCount).
func (g *Generator) NormalizeSpeaker(id int) int {
	n := g.opts.SpeakerCount
	return ((id % n) + n) % n
}

// ResolveSeed returns the seed to use for a call. A generated seed is
// time-derived and only meant to make the call reproducible afterwards.
func (g *Generator) ResolveSeed(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if seed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return seed, true
		}
		g.log.Warn().Str("seed", raw).Msg("Invalid seed provided, generating one")
	}
	return g.now().Unix() % seedRange, false
}

type voice struct {
	text        string
	speaker     int
	temperature float64
	minP        float64
	maxDuration int
	seed        int64
}

func (g *Generator) prepare(req Request) (voice, error) {
	const op = "generate.validate"

	text := g.normalizer.Process(req.Text)
	if text == "" {
		return voice{}, apperr.Validation(op, "text must not be blank")
	}
	if err := validation.Struct(op, req); err != nil {
		return voice{}, err
	}

	maxDuration := req.MaxDurationMs
	if maxDuration <= 0 {
		maxDuration = g.opts.DefaultMaxDurationMs
	}

	seed, _ := g.ResolveSeed(req.Seed)

	return voice{
		text:        text,
		speaker:     g.NormalizeSpeaker(req.SpeakerID),
		temperature: req.Temperature,
		minP:        req.MinP,
		maxDuration: maxDuration,
		seed:        seed,
	}, nil
}

func (g *Generator) timeout(maxDurationMs int) time.Duration {
	budget := float64(time.Duration(maxDurationMs)*time.Millisecond) * g.opts.TimeoutFactor
	return g.opts.TimeoutBase + time.Duration(budget)
}

func (g *Generator) synthesize(ctx context.Context, v voice, segments []engine.Segment) (*audio.Audio, time.Duration, error) {
	const op = "generate.synthesize"

	budget := g.timeout(v.maxDuration)
	synthCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	out, err := g.synth.Synthesize(synthCtx, engine.Request{
		Text:             v.text,
		SpeakerID:        v.speaker,
		Context:          segments,
		MaxAudioLengthMs: v.maxDuration,
		Sampling: engine.SamplingConfig{
			Temperature: v.temperature,
			MinP:        v.minP,
			Seed:        v.seed,
		},
	})
	elapsed := time.Since(start)

	switch {
	case err == nil && out == nil:
		return nil, elapsed, apperr.New(apperr.KindSynthesis, op, "backend returned no audio")
	case err == nil:
		return out, elapsed, nil
	case ctx.Err() == nil && errors.Is(synthCtx.Err(), context.DeadlineExceeded):
		// Wrap would keep the backend's own classification.
		return nil, elapsed, &apperr.Error{
			Kind:    apperr.KindSynthesis,
			Op:      op,
			Message: "speech synthesis timed out",
			Cause:   fmt.Errorf("%w after %s: %w", engine.ErrSynthesisTimeout, budget, err),
		}
	default:
		return nil, elapsed, apperr.Wrap(apperr.KindSynthesis, op, "speech synthesis failed", err)
	}
}

// Generate synthesises req, stores the audio and, when asked, files it under
// a matching or new preset. Bookkeeping failures are reported in the result
// without failing the call.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	res, err := g.generate(ctx, req)
	if g.metrics != nil {
		status := observe.StatusSuccess
		if err != nil {
			status = observe.StatusFailure
		}
		g.metrics.RecordGeneration(ctx, status)
	}
	return res, err
}

func (g *Generator) generate(ctx context.Context, req Request) (*Result, error) {
	v, err := g.prepare(req)
	if err != nil {
		return nil, err
	}

	g.log.Info().
		Int("speaker", v.speaker).
		Float64("temperature", v.temperature).
		Float64("min_p", v.minP).
		Int64("seed", v.seed).
		Int("max_duration_ms", v.maxDuration).
		Msg("Generating speech")

	out, elapsed, err := g.synthesize(ctx, v, req.Context)
	if err != nil {
		g.log.Error().Err(err).Msg("Speech synthesis failed")
		return nil, err
	}

	duration := out.Duration()
	generationTime := elapsed.Seconds()
	if g.metrics != nil {
		g.metrics.RecordSynthesis(ctx, generationTime, duration)
	}

	files, err := g.artifacts.Write(ctx, artifact.FileName(g.now(), v.speaker), out)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Success:        true,
		Message:        "Speech generated successfully",
		Text:           v.text,
		AudioPath:      files.WebURL,
		DownloadPath:   files.DownloadURL,
		Filename:       files.Filename,
		Duration:       round2(duration),
		GenerationTime: round2(generationTime),
		RealTimeFactor: round2(RealTimeFactor(generationTime, duration)),
		VoiceParameters: &VoiceParameters{
			Speaker:     v.speaker,
			Temperature: v.temperature,
			MinP:        v.minP,
			Seed:        v.seed,
		},
	}

	g.log.Info().
		Str("file", files.Filename).
		Float64("duration", duration).
		Float64("generation_time", generationTime).
		Msg("Speech generated")

	if req.AutoSave {
		id, err := g.autoSave(ctx, v, files.WebURL)
		if err != nil {
			g.log.Warn().Err(err).Msg("Auto-save failed")
			res.PresetError = apperr.Message(err)
		} else {
			res.PresetID = &id
		}
	}

	return res, nil
}

func (g *Generator) autoSave(ctx context.Context, v voice, samplePath string) (int64, error) {
	if g.presets == nil {
		return 0, apperr.New(apperr.KindConfig, "generate.autosave", "preset store not configured")
	}

	outcome := observe.OutcomeFailed
	defer func() {
		if g.metrics != nil {
			g.metrics.RecordAutosave(ctx, outcome)
		}
	}()

	seed := strconv.FormatInt(v.seed, 10)
	matches, err := g.presets.FindSimilar(ctx, preset.SimilarQuery{
		SpeakerID:   v.speaker,
		Temperature: v.temperature,
		MinP:        v.minP,
		Seed:        seed,
	})
	if err != nil {
		return 0, err
	}

	if len(matches) > 0 {
		id := matches[0].ID
		if _, err := g.presets.AddSample(ctx, id, samplePath, v.text); err != nil {
			return 0, err
		}
		outcome = observe.OutcomeMatched
		return id, nil
	}

	now := g.now()
	id, err := g.presets.CreatePresetWithSample(ctx, preset.Preset{
		Name:        fmt.Sprintf("Voice %d (T:%.2f, P:%.2f), S:%s", v.speaker, v.temperature, v.minP, seed),
		SpeakerID:   v.speaker,
		Temperature: v.temperature,
		MinP:        v.minP,
		Seed:        &seed,
		Speed:       preset.DefaultSpeed,
		Description: preset.StringPtr("Auto-saved voice from generation on " + now.Format("2006-01-02 15:04")),
	}, samplePath, v.text)
	if err != nil {
		return 0, err
	}

	outcome = observe.OutcomeCreated
	return id, nil
}
