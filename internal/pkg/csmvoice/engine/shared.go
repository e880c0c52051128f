package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/audio"
)

type Loader func(ctx context.Context) (Engine, error)

// Shared owns the process-wide model handle. The first caller loads it,
// concurrent first callers wait on the same load, and a failed load is
// retried by the next caller. Synthesize calls run one at a time.
type Shared struct {
	load  Loader
	group singleflight.Group
	log   zerolog.Logger

	mu     sync.RWMutex
	eng    Engine
	closed bool

	slot chan struct{}
}

func NewShared(load Loader, log zerolog.Logger) *Shared {
	return &Shared{
		load: load,
		log:  log,
		slot: make(chan struct{}, 1),
	}
}

// NewSharedBackend loads the named registered backend on first use.
func NewSharedBackend(cfg Config, log zerolog.Logger) *Shared {
	return NewShared(func(context.Context) (Engine, error) {
		return New(cfg.Backend, cfg)
	}, log)
}

func (s *Shared) Get(ctx context.Context) (Engine, error) {
	s.mu.RLock()
	eng, closed := s.eng, s.closed
	s.mu.RUnlock()

	if closed {
		return nil, ErrEngineClosed
	}
	if eng != nil {
		return eng, nil
	}

	// The load must not be torn down by whichever caller happened to start it.
	loadCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan("load", func() (any, error) {
		s.mu.RLock()
		if s.eng != nil {
			eng := s.eng
			s.mu.RUnlock()
			return eng, nil
		}
		s.mu.RUnlock()

		start := time.Now()
		eng, err := s.load(loadCtx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = eng.Close()
			return nil, ErrEngineClosed
		}
		s.eng = eng
		s.mu.Unlock()

		s.log.Info().
			Str("engine", eng.Info().Name).
			Dur("elapsed", time.Since(start)).
			Msg("Speech engine loaded")

		return eng, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, apperr.Wrap(apperr.KindSynthesis, "engine.load", "failed to load speech engine", res.Err)
		}
		return res.Val.(Engine), nil
	}
}

// Preload initialises the engine eagerly.
func (s *Shared) Preload(ctx context.Context) error {
	_, err := s.Get(ctx)
	return err
}

// Synthesize runs req on the shared engine. If ctx ends first the caller gets
// ctx.Err(); the engine slot stays taken until the backend returns.
func (s *Shared) Synthesize(ctx context.Context, req Request) (*audio.Audio, error) {
	eng, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type outcome struct {
		audio *audio.Audio
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() { <-s.slot }()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: Fail(eng.Info().Name, fmt.Errorf("backend panic: %v", r))}
			}
		}()

		a, err := eng.Synthesize(ctx, req)
		done <- outcome{audio: a, err: err}
	}()

	select {
	case out := <-done:
		return out.audio, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Shared) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.eng == nil {
		return Info{SampleRate: audio.SampleRate}
	}
	return s.eng.Info()
}

func (s *Shared) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng != nil
}

// Check asks a loaded backend for its health. An engine that is not loaded
// yet, or cannot report, is healthy.
func (s *Shared) Check(ctx context.Context) error {
	s.mu.RLock()
	eng, closed := s.eng, s.closed
	s.mu.RUnlock()

	if closed {
		return ErrEngineClosed
	}
	hc, ok := eng.(HealthChecker)
	if !ok {
		return nil
	}
	if err := hc.HealthCheck(ctx); err != nil {
		return apperr.Wrap(apperr.KindSynthesis, "engine.check", "speech engine unhealthy", err)
	}
	return nil
}

// Close waits for an in-flight call and releases the engine.
func (s *Shared) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	eng := s.eng
	s.eng = nil
	s.mu.Unlock()

	if eng == nil {
		return nil
	}

	s.slot <- struct{}{}
	defer func() { <-s.slot }()

	return eng.Close()
}
