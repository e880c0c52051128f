package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/audio"
	"csmvoice/internal/pkg/csmvoice/engine"
)

type fakeEngine struct {
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
	closed  atomic.Bool
	release chan struct{}
}

func (f *fakeEngine) Synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.calls.Add(1)

	if f.release != nil {
		<-f.release
	}
	time.Sleep(f.delay)

	return audio.NewAudio(make([]float32, 240)), nil
}

func (f *fakeEngine) Info() engine.Info {
	return engine.Info{Name: "fake", SampleRate: audio.SampleRate}
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

func TestSharedLoadsOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	fake := &fakeEngine{}
	shared := engine.NewShared(func(context.Context) (engine.Engine, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return fake, nil
	}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := shared.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.True(t, shared.Loaded())
	assert.Equal(t, "fake", shared.Info().Name)
}

func TestSharedRetriesAfterFailedLoad(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	shared := engine.NewShared(func(context.Context) (engine.Engine, error) {
		if loads.Add(1) == 1 {
			return nil, errors.New("weights missing")
		}
		return &fakeEngine{}, nil
	}, zerolog.Nop())

	err := shared.Preload(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindSynthesis, apperr.KindOf(err))
	assert.False(t, shared.Loaded())

	require.NoError(t, shared.Preload(context.Background()))
	assert.Equal(t, int32(2), loads.Load())
}

func TestSharedSerializesSynthesis(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{delay: 5 * time.Millisecond}
	shared := engine.NewShared(func(context.Context) (engine.Engine, error) {
		return fake, nil
	}, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := shared.Synthesize(context.Background(), engine.Request{Text: "Hi."})
			assert.NoError(t, err)
			assert.NotNil(t, out)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), fake.calls.Load())
	assert.Equal(t, int32(1), fake.peak.Load())
}

func TestSharedHonoursContextWhileWaiting(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{release: make(chan struct{})}
	shared := engine.NewShared(func(context.Context) (engine.Engine, error) {
		return fake, nil
	}, zerolog.Nop())

	first := make(chan error, 1)
	go func() {
		_, err := shared.Synthesize(context.Background(), engine.Request{Text: "first"})
		first <- err
	}()

	require.Eventually(t, func() bool { return fake.active.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := shared.Synthesize(ctx, engine.Request{Text: "second"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(fake.release)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestSharedCloseReleasesEngine(t *testing.T) {
	t.Parallel()

	fake := &fakeEngine{}
	shared := engine.NewShared(func(context.Context) (engine.Engine, error) {
		return fake, nil
	}, zerolog.Nop())

	require.NoError(t, shared.Preload(context.Background()))
	require.NoError(t, shared.Close())
	assert.True(t, fake.closed.Load())

	_, err := shared.Synthesize(context.Background(), engine.Request{Text: "late"})
	assert.ErrorIs(t, err, engine.ErrEngineClosed)
	assert.NoError(t, shared.Close())
}

type checkedEngine struct {
	fakeEngine
	unhealthy error
}

func (c *checkedEngine) HealthCheck(context.Context) error {
	return c.unhealthy
}

func TestSharedCheck(t *testing.T) {
	t.Parallel()

	eng := &checkedEngine{unhealthy: errors.New("connection refused")}
	shared := engine.NewShared(func(context.Context) (engine.Engine, error) {
		return eng, nil
	}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, shared.Check(ctx))
	assert.False(t, shared.Loaded())

	require.NoError(t, shared.Preload(ctx))
	err := shared.Check(ctx)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSynthesis, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")

	eng.unhealthy = nil
	assert.NoError(t, shared.Check(ctx))

	require.NoError(t, shared.Close())
	assert.ErrorIs(t, shared.Check(ctx), engine.ErrEngineClosed)
}
