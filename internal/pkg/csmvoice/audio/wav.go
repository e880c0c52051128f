package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const (
	SampleRate    = 24000
	NumChannels   = 1
	BitsPerSample = 16
)

const (
	formatPCM       = 1
	formatIEEEFloat = 3
)

var ErrInvalidWAV = errors.New("invalid wav data")

type Audio struct {
	Samples    []float32
	SampleRate int
}

func NewAudio(samples []float32) *Audio {
	return &Audio{
		Samples:    samples,
		SampleRate: SampleRate,
	}
}

func NewAudioWithSampleRate(samples []float32, sampleRate int) *Audio {
	return &Audio{
		Samples:    samples,
		SampleRate: sampleRate,
	}
}

// Silence returns d worth of zero samples at the given rate.
func Silence(d time.Duration, sampleRate int) *Audio {
	n := int(d.Seconds() * float64(sampleRate))
	if n < 0 {
		n = 0
	}
	return NewAudioWithSampleRate(make([]float32, n), sampleRate)
}

// Duration is the playback length in seconds. Empty or rate-less audio is 0.
func (a *Audio) Duration() float64 {
	if a == nil || a.SampleRate <= 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Concat joins parts, inserting pause between consecutive parts. All parts
// must share a sample rate.
func Concat(pause time.Duration, parts ...*Audio) (*Audio, error) {
	if len(parts) == 0 {
		return NewAudio(nil), nil
	}

	rate := parts[0].SampleRate
	gap := Silence(pause, rate).Samples

	total := 0
	for _, p := range parts {
		if p.SampleRate != rate {
			return nil, fmt.Errorf("sample rate mismatch: %d != %d", p.SampleRate, rate)
		}
		total += len(p.Samples)
	}
	total += len(gap) * (len(parts) - 1)

	out := make([]float32, 0, total)
	for i, p := range parts {
		if i > 0 {
			out = append(out, gap...)
		}
		out = append(out, p.Samples...)
	}

	return NewAudioWithSampleRate(out, rate), nil
}

// WriteWAV encodes the samples as mono 16-bit PCM.
func (a *Audio) WriteWAV(w io.Writer) error {
	bw := bufio.NewWriter(w)

	numSamples := len(a.Samples)
	dataSize := numSamples * NumChannels * (BitsPerSample / 8)
	byteRate := a.SampleRate * NumChannels * (BitsPerSample / 8)
	blockAlign := NumChannels * (BitsPerSample / 8)

	header := []any{
		[]byte("RIFF"),
		uint32(36 + dataSize),
		[]byte("WAVE"),
		[]byte("fmt "),
		uint32(16),
		uint16(formatPCM),
		uint16(NumChannels),
		uint32(a.SampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(BitsPerSample),
		[]byte("data"),
		uint32(dataSize),
	}
	for _, field := range header {
		if err := binary.Write(bw, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("failed to write wav header: %w", err)
		}
	}

	for _, sample := range a.Samples {
		clamped := sample
		if clamped > 1.0 {
			clamped = 1.0
		} else if clamped < -1.0 {
			clamped = -1.0
		}

		if err := binary.Write(bw, binary.LittleEndian, int16(clamped*math.MaxInt16)); err != nil {
			return fmt.Errorf("failed to write wav samples: %w", err)
		}
	}

	return bw.Flush()
}

func (a *Audio) EncodeWAV() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(44 + len(a.Samples)*2)
	if err := a.WriteWAV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Audio) SaveWAV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := a.WriteWAV(f); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

// DecodeWAV reads PCM16 or IEEE float32 WAV data. Multi-channel input is
// averaged down to mono. Chunk sizes are not trusted for allocation: a data
// chunk is read until its declared size or the end of r, whichever is first,
// so callers bound untrusted input by bounding r.
func DecodeWAV(r io.Reader) (*Audio, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			var body [16]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			rate = binary.LittleEndian.Uint32(body[4:8])
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
			// Extension bytes and pad are not needed.
			rest := int64(size) - 16 + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, rest); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
			}
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			body, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
			}
			samples, err := decodeSamples(body, format, channels, bits)
			if err != nil {
				return nil, err
			}
			return NewAudioWithSampleRate(samples, int(rate)), nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
			}
		}
	}
}

func decodeSamples(data []byte, format, channels, bits uint16) ([]float32, error) {
	if channels == 0 {
		return nil, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	}

	var width int
	switch {
	case format == formatPCM && bits == 16:
		width = 2
	case format == formatIEEEFloat && bits == 32:
		width = 4
	default:
		return nil, fmt.Errorf("%w: unsupported format %d/%d-bit", ErrInvalidWAV, format, bits)
	}

	frame := width * int(channels)
	frames := len(data) / frame
	out := make([]float32, frames)

	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < int(channels); c++ {
			off := i*frame + c*width
			if width == 2 {
				sum += float32(int16(binary.LittleEndian.Uint16(data[off:]))) / math.MaxInt16
			} else {
				sum += math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			}
		}
		out[i] = sum / float32(channels)
	}

	return out, nil
}
