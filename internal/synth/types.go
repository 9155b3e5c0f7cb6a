package synth

import (
	"context"
	"fmt"
	"time"
)

// Family identifies a synthesis backend family. The set is closed; adding a
// family means adding an implementation behind Open.
type Family string

const (
	FamilyOpenVoice Family = "openvoice"
	FamilyBark      Family = "bark"
	FamilyStyleTTS  Family = "styletts"
	FamilyCoqui     Family = "coqui"
	FamilyVallE     Family = "vall_e"
	FamilySparkTTS  Family = "spark_tts"
)

// ParseFamily validates a backend capability tag from a model descriptor.
func ParseFamily(tag string) (Family, error) {
	switch Family(tag) {
	case FamilyOpenVoice, FamilyBark, FamilyStyleTTS, FamilyCoqui, FamilyVallE, FamilySparkTTS:
		return Family(tag), nil
	}
	return "", fmt.Errorf("unknown backend family %q", tag)
}

// EmbeddingSize is the fixed length of a speaker embedding vector.
const EmbeddingSize = 256

// Sample is a decoded mono voice sample.
type Sample struct {
	PCM        []int16
	SampleRate int
}

// Duration reports the sample length on the clock.
func (s Sample) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.PCM)) * time.Second / time.Duration(s.SampleRate)
}

// ModelDescriptor is the opaque artifact handle supplied by external model
// management tooling: a location plus a backend capability tag.
type ModelDescriptor struct {
	ID          string   `json:"id"`
	Family      string   `json:"family"`
	Location    string   `json:"location"`
	Name        string   `json:"name,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	Description string   `json:"description,omitempty"`
}

// UnitRequest asks a backend to render one indivisible unit of text.
type UnitRequest struct {
	Text       string
	Embedding  []float32
	Params     map[string]float64
	SampleRate int
	Channels   int
}

// UnitAudio is the rendered audio of one unit, 16-bit little-endian PCM.
type UnitAudio struct {
	PCM      []byte
	Duration time.Duration
}

// Backend is the uniform capability interface over the concrete synthesis
// families. Implementations are not assumed re-entrant; callers serialize
// unit renders per backend instance.
type Backend interface {
	Family() Family
	Embed(ctx context.Context, sample Sample) ([]float32, error)
	RenderUnit(ctx context.Context, req UnitRequest) (UnitAudio, error)
	Close() error
}

// Options selects how backends are constructed.
type Options struct {
	Mode       string // mock, exec
	Command    string
	SampleRate int
	Channels   int
}

// Open constructs a backend for a model descriptor.
func Open(desc ModelDescriptor, opts Options) (Backend, error) {
	family, err := ParseFamily(desc.Family)
	if err != nil {
		return nil, err
	}
	switch opts.Mode {
	case "mock":
		return NewMockBackend(family, opts.SampleRate, opts.Channels), nil
	case "exec":
		return NewExecBackend(desc, opts)
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", opts.Mode)
	}
}
