package engine

import (
	"context"
	"errors"
	"fmt"

	"csmvoice/internal/pkg/csmvoice/apperr"
	"csmvoice/internal/pkg/csmvoice/audio"
)

var (
	ErrSynthesisTimeout = errors.New("synthesis exceeded its time budget")
	ErrEngineClosed     = errors.New("engine is closed")
)

// Engine is a speech synthesis backend. Implementations hold model state and
// are not assumed to be safe for concurrent use; see Shared.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (*audio.Audio, error)
	Info() Info
	Close() error
}

// HealthChecker is implemented by backends that can report on a dependency,
// such as a remote synthesis service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Info struct {
	Name       string
	SampleRate int
}

type SamplingConfig struct {
	Temperature float64
	MinP        float64
	Seed        int64
}

// Segment is a previous conversational turn used to condition the next one.
type Segment struct {
	SpeakerID int
	Text      string
	Audio     *audio.Audio
}

type Request struct {
	Text             string
	SpeakerID        int
	Context          []Segment
	MaxAudioLengthMs int
	Sampling         SamplingConfig
}

type Config struct {
	ModelPath      string
	ServiceURL     string
	TimeoutSeconds int
	Backend        string
}

// SynthesisError reports a failed backend call.
type SynthesisError struct {
	Backend string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Backend, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Fail wraps err as a classified synthesis failure.
func Fail(backend string, err error) error {
	return apperr.Wrap(apperr.KindSynthesis, "engine.synthesize", "speech synthesis failed",
		&SynthesisError{Backend: backend, Err: err})
}
