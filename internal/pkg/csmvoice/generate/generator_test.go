package generate_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/artifact"
	"csmvoice/internal/pkg/csmvoice/audio"
	"csmvoice/internal/pkg/csmvoice/engine"
	"csmvoice/internal/pkg/csmvoice/generate"
	"csmvoice/internal/pkg/csmvoice/observe"
	"csmvoice/internal/pkg/csmvoice/preset"
)

type fakeSynth struct {
	samples    int
	shouldFail bool
	block      bool
	// classify reports the deadline the way a real backend does.
	classify bool
	requests []engine.Request
}

func (f *fakeSynth) Synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error) {
	f.requests = append(f.requests, req)
	if f.block {
		<-ctx.Done()
		if f.classify {
			return nil, engine.Fail("fake", ctx.Err())
		}
		return nil, ctx.Err()
	}
	if f.shouldFail {
		return nil, engine.Fail("fake", errors.New("model exploded"))
	}
	return audio.NewAudio(make([]float32, f.samples)), nil
}

type fakeWriter struct {
	shouldFail bool
	names      []string
}

func (f *fakeWriter) Write(_ context.Context, name string, _ *audio.Audio) (artifact.Artifacts, error) {
	if f.shouldFail {
		return artifact.Artifacts{}, apperr.New(apperr.KindPersistence, "fake.write", "disk full")
	}
	f.names = append(f.names, name)
	return artifact.Artifacts{
		Filename:    name,
		WebURL:      artifact.WebPrefix + "/" + name,
		DownloadURL: artifact.DownloadPrefix + "/" + name,
	}, nil
}

type sampleRecord struct {
	presetID int64
	path     string
	text     string
}

type fakeBook struct {
	presets          []preset.Preset
	samples          []sampleRecord
	queries          []preset.SimilarQuery
	findShouldFail   bool
	createShouldFail bool
}

func (f *fakeBook) FindSimilar(_ context.Context, q preset.SimilarQuery) ([]preset.Preset, error) {
	f.queries = append(f.queries, q)
	if f.findShouldFail {
		return nil, apperr.New(apperr.KindPersistence, "fake.find", "database locked")
	}
	var out []preset.Preset
	for i := len(f.presets) - 1; i >= 0; i-- {
		p := f.presets[i]
		if p.SpeakerID == q.SpeakerID && p.Seed != nil && *p.Seed == q.Seed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeBook) CreatePresetWithSample(_ context.Context, p preset.Preset, path, text string) (int64, error) {
	if f.createShouldFail {
		return 0, errors.New("insert failed")
	}
	p.ID = int64(len(f.presets) + 1)
	f.presets = append(f.presets, p)
	f.samples = append(f.samples, sampleRecord{presetID: p.ID, path: path, text: text})
	return p.ID, nil
}

func (f *fakeBook) AddSample(_ context.Context, presetID int64, path, text string) (int64, error) {
	f.samples = append(f.samples, sampleRecord{presetID: presetID, path: path, text: text})
	return int64(len(f.samples)), nil
}

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func newGenerator(synth *fakeSynth, writer *fakeWriter, book *fakeBook, opts ...generate.Option) *generate.Generator {
	opts = append([]generate.Option{generate.WithClock(func() time.Time { return fixedNow })}, opts...)

	var pb generate.PresetBook
	if book != nil {
		pb = book
	}
	return generate.New(synth, writer, pb, zerolog.Nop(), opts...)
}

func baseRequest() generate.Request {
	return generate.Request{
		Text:        "Hello",
		SpeakerID:   12,
		Temperature: 0.7,
		MinP:        0.05,
		Seed:        "42",
	}
}

func TestGenerateNormalizesInputs(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{samples: audio.SampleRate * 2}
	writer := &fakeWriter{}
	g := newGenerator(synth, writer, nil)

	res, err := g.Generate(context.Background(), baseRequest())
	require.NoError(t, err)

	require.Len(t, synth.requests, 1)
	sent := synth.requests[0]
	assert.Equal(t, "Hello.", sent.Text)
	assert.Equal(t, 2, sent.SpeakerID)
	assert.Equal(t, int64(42), sent.Sampling.Seed)
	assert.Equal(t, 30_000, sent.MaxAudioLengthMs)
	assert.Empty(t, sent.Context)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.VoiceParameters.Speaker)
	assert.Equal(t, int64(42), res.VoiceParameters.Seed)
	assert.InDelta(t, 2.0, res.Duration, 1e-9)
	assert.Nil(t, res.PresetID)

	require.Len(t, writer.names, 1)
	assert.Contains(t, writer.names[0], "speaker_2_")
	assert.Equal(t, "/static/audio/"+writer.names[0], res.AudioPath)
	assert.Equal(t, "/download/"+writer.names[0], res.DownloadPath)
}

func TestGenerateKeepsExistingPunctuation(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{samples: 100}
	g := newGenerator(synth, &fakeWriter{}, nil)

	req := baseRequest()
	req.Text = "Hello!"
	_, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", synth.requests[0].Text)
}

func TestGenerateSendsTextAsWritten(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{samples: 100}
	g := newGenerator(synth, &fakeWriter{}, nil)

	req := baseRequest()
	req.Text = "if a<b and c>d"
	_, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "if a<b and c>d.", synth.requests[0].Text)
}

func TestNormalizeSpeakerHandlesNegatives(t *testing.T) {
	t.Parallel()

	g := newGenerator(&fakeSynth{}, &fakeWriter{}, nil)

	assert.Equal(t, 0, g.NormalizeSpeaker(10))
	assert.Equal(t, 9, g.NormalizeSpeaker(-1))
	assert.Equal(t, 3, g.NormalizeSpeaker(3))
}

func TestGenerateRejectsBlankText(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{}
	writer := &fakeWriter{}
	g := newGenerator(synth, writer, nil)

	req := baseRequest()
	req.Text = "  \n "
	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, synth.requests)
	assert.Empty(t, writer.names)
}

func TestGenerateSeedFallback(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "not-a-number"} {
		synth := &fakeSynth{samples: 10}
		g := newGenerator(synth, &fakeWriter{}, nil)

		req := baseRequest()
		req.Seed = raw
		res, err := g.Generate(context.Background(), req)
		require.NoError(t, err)

		want := fixedNow.Unix() % 1_000_000
		assert.Equal(t, want, res.VoiceParameters.Seed, "seed %q", raw)
		assert.Equal(t, want, synth.requests[0].Sampling.Seed)
	}
}

func TestGenerateSynthesisFailureWritesNothing(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	book := &fakeBook{}
	g := newGenerator(&fakeSynth{shouldFail: true}, writer, book)

	req := baseRequest()
	req.AutoSave = true
	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSynthesis, apperr.KindOf(err))

	var synthErr *engine.SynthesisError
	assert.ErrorAs(t, err, &synthErr)
	assert.Empty(t, writer.names)
	assert.Empty(t, book.queries)
}

func TestGenerateArtifactFailure(t *testing.T) {
	t.Parallel()

	g := newGenerator(&fakeSynth{samples: 10}, &fakeWriter{shouldFail: true}, nil)

	_, err := g.Generate(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()

	opts := generate.DefaultOptions()
	opts.TimeoutBase = 20 * time.Millisecond
	opts.TimeoutFactor = 0

	writer := &fakeWriter{}
	g := newGenerator(&fakeSynth{block: true}, writer, nil, generate.WithOptions(opts))

	_, err := g.Generate(context.Background(), baseRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrSynthesisTimeout)
	assert.Equal(t, apperr.KindSynthesis, apperr.KindOf(err))
	assert.Empty(t, writer.names)
}

func TestGenerateTimeoutFromClassifiedBackend(t *testing.T) {
	t.Parallel()

	opts := generate.DefaultOptions()
	opts.TimeoutBase = 20 * time.Millisecond
	opts.TimeoutFactor = 0

	g := newGenerator(&fakeSynth{block: true, classify: true}, &fakeWriter{}, nil, generate.WithOptions(opts))

	_, err := g.Generate(context.Background(), baseRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrSynthesisTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, apperr.KindSynthesis, apperr.KindOf(err))
	assert.Equal(t, "speech synthesis timed out", apperr.Message(err))
}

func TestGenerateRejectsOutOfRangeSampling(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{samples: 100}
	g := newGenerator(synth, &fakeWriter{}, nil)

	req := baseRequest()
	req.Temperature = -0.1
	req.MinP = 1.2
	_, err := g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "temperature must be >= 0; min_p must be <= 1", apperr.Message(err))

	req = baseRequest()
	req.MinP = math.NaN()
	_, err = g.Generate(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "min_p must be a finite number", apperr.Message(err))
	assert.Empty(t, synth.requests)
}

func TestAutoSaveCreateFailureLeavesNoSample(t *testing.T) {
	t.Parallel()

	book := &fakeBook{createShouldFail: true}
	g := newGenerator(&fakeSynth{samples: 100}, &fakeWriter{}, book)

	req := baseRequest()
	req.AutoSave = true
	res, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Nil(t, res.PresetID)
	assert.Equal(t, "insert failed", res.PresetError)
	assert.Empty(t, book.presets)
	assert.Empty(t, book.samples)
}

func TestAutoSaveCreatesPreset(t *testing.T) {
	t.Parallel()

	book := &fakeBook{}
	g := newGenerator(&fakeSynth{samples: 100}, &fakeWriter{}, book)

	req := baseRequest()
	req.AutoSave = true
	res, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, res.PresetID)
	require.Len(t, book.presets, 1)
	created := book.presets[0]
	assert.Equal(t, "Voice 2 (T:0.70, P:0.05), S:42", created.Name)
	assert.Equal(t, 2, created.SpeakerID)
	assert.InDelta(t, 1.0, created.Speed, 1e-12)
	assert.Equal(t, "42", *created.Seed)
	assert.Equal(t, "Auto-saved voice from generation on 2025-06-01 09:30", *created.Description)

	require.Len(t, book.samples, 1)
	assert.Equal(t, *res.PresetID, book.samples[0].presetID)
	assert.Equal(t, res.AudioPath, book.samples[0].path)
	assert.Equal(t, "Hello.", book.samples[0].text)

	require.Len(t, book.queries, 1)
	assert.Equal(t, preset.SimilarQuery{SpeakerID: 2, Temperature: 0.7, MinP: 0.05, Seed: "42"}, book.queries[0])
}

func TestAutoSaveReusesMostRecentMatch(t *testing.T) {
	t.Parallel()

	seed := "42"
	book := &fakeBook{presets: []preset.Preset{
		{ID: 1, Name: "older", SpeakerID: 2, Seed: &seed},
		{ID: 2, Name: "newer", SpeakerID: 2, Seed: &seed},
	}}
	g := newGenerator(&fakeSynth{samples: 100}, &fakeWriter{}, book)

	req := baseRequest()
	req.AutoSave = true
	res, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, res.PresetID)
	assert.Equal(t, int64(2), *res.PresetID)
	assert.Len(t, book.presets, 2)
	require.Len(t, book.samples, 1)
	assert.Equal(t, int64(2), book.samples[0].presetID)
}

func TestAutoSaveFailureKeepsSuccess(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	writer := &fakeWriter{}
	g := newGenerator(&fakeSynth{samples: 100}, writer, &fakeBook{findShouldFail: true}, generate.WithMetrics(metrics))

	req := baseRequest()
	req.AutoSave = true
	res, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Nil(t, res.PresetID)
	assert.Equal(t, "database locked", res.PresetError)
	assert.Len(t, writer.names, 1)
}

func TestZeroLengthAudio(t *testing.T) {
	t.Parallel()

	g := newGenerator(&fakeSynth{samples: 0}, &fakeWriter{}, nil)

	res, err := g.Generate(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Zero(t, res.Duration)
	assert.Zero(t, res.RealTimeFactor)
}

func TestRealTimeFactor(t *testing.T) {
	t.Parallel()

	assert.Zero(t, generate.RealTimeFactor(3, 0))
	assert.Zero(t, generate.RealTimeFactor(3, -1))
	assert.InDelta(t, 1.5, generate.RealTimeFactor(3, 2), 1e-12)
}

func TestFailureResult(t *testing.T) {
	t.Parallel()

	err := apperr.Wrap(apperr.KindSynthesis, "op", "speech synthesis failed", errors.New("oom"))
	res := generate.FailureResult(err)

	assert.False(t, res.Success)
	assert.Equal(t, "Error generating speech: speech synthesis failed", res.Message)
	assert.Contains(t, res.ErrorDetails, "oom")
}
