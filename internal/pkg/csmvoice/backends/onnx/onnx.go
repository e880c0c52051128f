// Package onnx runs an exported speech model in-process with ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"

	"csmvoice/internal/pkg/csmvoice/audio"
	"csmvoice/internal/pkg/csmvoice/engine"
)

const (
	Name = "onnx"

	// The model emits one audio frame per 80 ms.
	frameMs = 80

	vocabFile = "tokenizer.json"
)

func init() {
	engine.Register(Name, NewEngine)
}

var (
	inputNames = []string{
		"input_ids", "speaker", "temperature", "min_p", "seed", "max_frames", "context_audio",
	}
	outputNames = []string{"waveform"}
)

type Engine struct {
	session   *ort.DynamicAdvancedSession
	tokenizer *Tokenizer
}

func onnxRuntimeLibPath() string {
	if envPath := os.Getenv("ONNXRUNTIME_LIB_PATH"); envPath != "" {
		return envPath
	}

	var candidates []string
	var fallback string
	switch runtime.GOOS {
	case "windows":
		candidates = []string{"onnxruntime.dll", "./lib/onnxruntime.dll"}
		fallback = "onnxruntime.dll"
	case "darwin":
		candidates = []string{
			"/usr/local/lib/libonnxruntime.dylib",
			"/opt/homebrew/lib/libonnxruntime.dylib",
			"./libonnxruntime.dylib",
		}
		fallback = "libonnxruntime.dylib"
	default:
		candidates = []string{
			"/usr/lib/libonnxruntime.so",
			"/usr/local/lib/libonnxruntime.so",
			"./libonnxruntime.so",
			"./lib/libonnxruntime.so",
		}
		fallback = "libonnxruntime.so"
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return fallback
}

// NewEngine loads cfg.ModelPath and the tokenizer.json beside it.
func NewEngine(cfg engine.Config) (engine.Engine, error) {
	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(onnxRuntimeLibPath())
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	tok, err := LoadTokenizer(filepath.Join(filepath.Dir(cfg.ModelPath), vocabFile))
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Engine{
		session:   session,
		tokenizer: tok,
	}, nil
}

// buildInputs flattens the context turns and the new utterance into one token
// sequence and one conditioning waveform.
func (e *Engine) buildInputs(req engine.Request) ([]int64, []float32) {
	var ids []int64
	var ctxAudio []float32
	for _, seg := range req.Context {
		ids = append(ids, e.tokenizer.EncodeTurn(seg.SpeakerID, seg.Text)...)
		if seg.Audio != nil {
			ctxAudio = append(ctxAudio, seg.Audio.Samples...)
		}
	}
	ids = append(ids, e.tokenizer.EncodeTurn(req.SpeakerID, req.Text)...)

	// Tensors cannot be empty.
	if len(ctxAudio) == 0 {
		ctxAudio = []float32{0}
	}
	return ids, ctxAudio
}

func maxFrames(ms int) int64 {
	frames := int64(ms / frameMs)
	if frames < 1 {
		frames = 1
	}
	return frames
}

func (e *Engine) Synthesize(ctx context.Context, req engine.Request) (*audio.Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := e.run(req)
	if err != nil {
		return nil, engine.Fail(Name, err)
	}
	return out, nil
}

func (e *Engine) run(req engine.Request) (*audio.Audio, error) {
	ids, ctxAudio := e.buildInputs(req)

	inputIDs, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	speaker, err := ort.NewTensor(ort.NewShape(1), []int64{int64(req.SpeakerID)})
	if err != nil {
		return nil, fmt.Errorf("failed to create speaker tensor: %w", err)
	}
	defer speaker.Destroy()

	temperature, err := ort.NewTensor(ort.NewShape(1), []float32{float32(req.Sampling.Temperature)})
	if err != nil {
		return nil, fmt.Errorf("failed to create temperature tensor: %w", err)
	}
	defer temperature.Destroy()

	minP, err := ort.NewTensor(ort.NewShape(1), []float32{float32(req.Sampling.MinP)})
	if err != nil {
		return nil, fmt.Errorf("failed to create min_p tensor: %w", err)
	}
	defer minP.Destroy()

	seed, err := ort.NewTensor(ort.NewShape(1), []int64{req.Sampling.Seed})
	if err != nil {
		return nil, fmt.Errorf("failed to create seed tensor: %w", err)
	}
	defer seed.Destroy()

	frames, err := ort.NewTensor(ort.NewShape(1), []int64{maxFrames(req.MaxAudioLengthMs)})
	if err != nil {
		return nil, fmt.Errorf("failed to create max_frames tensor: %w", err)
	}
	defer frames.Destroy()

	contextAudio, err := ort.NewTensor(ort.NewShape(1, int64(len(ctxAudio))), ctxAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create context_audio tensor: %w", err)
	}
	defer contextAudio.Destroy()

	inputs := []ort.Value{inputIDs, speaker, temperature, minP, seed, frames, contextAudio}
	outputs := make([]ort.Value, 1)

	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("no output from model")
	}
	defer outputs[0].Destroy()

	waveform, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}

	samples := make([]float32, len(waveform.GetData()))
	copy(samples, waveform.GetData())

	return audio.NewAudio(samples), nil
}

func (e *Engine) Info() engine.Info {
	return engine.Info{
		Name:       Name,
		SampleRate: audio.SampleRate,
	}
}

func (e *Engine) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
	}
	return ort.DestroyEnvironment()
}
