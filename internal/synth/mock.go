package synth

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"
	"unicode/utf8"
)

// mockBackend renders deterministic shaped tones instead of speech. It keeps
// the whole contract honest without any model artifact: embeddings depend only
// on the sample bytes, unit audio depends on text, embedding and parameters.
type mockBackend struct {
	family     Family
	sampleRate int
	channels   int
}

func NewMockBackend(family Family, sampleRate, channels int) Backend {
	return &mockBackend{family: family, sampleRate: sampleRate, channels: channels}
}

func (m *mockBackend) Family() Family { return m.family }

func (m *mockBackend) Close() error { return nil }

func (m *mockBackend) Embed(ctx context.Context, sample Sample) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	buf := make([]byte, 2)
	for _, v := range sample.PCM {
		binary.LittleEndian.PutUint16(buf, uint16(v))
		h.Write(buf)
	}
	state := h.Sum64()
	if state == 0 {
		state = 0x9e3779b97f4a7c15
	}
	embedding := make([]float32, EmbeddingSize)
	for i := range embedding {
		state = xorshift(state)
		// Map to [-1, 1).
		embedding[i] = float32(int64(state)) / float32(math.MaxInt64)
	}
	return embedding, nil
}

func (m *mockBackend) RenderUnit(ctx context.Context, req UnitRequest) (UnitAudio, error) {
	if err := ctx.Err(); err != nil {
		return UnitAudio{}, err
	}

	pitch := req.Params["pitch"]
	rate := req.Params["rate"]
	if rate <= 0 {
		rate = 1.0
	}
	energy := req.Params["energy"]
	volume, ok := req.Params["volume"]
	if !ok {
		volume = 1.0
	}

	// Roughly 80ms of audio per rune at rate 1.0.
	runes := utf8.RuneCountInString(req.Text)
	if runes == 0 {
		runes = 1
	}
	duration := time.Duration(float64(runes)*80/rate) * time.Millisecond

	base := 220.0 * math.Pow(2, pitch/12.0)
	if len(req.Embedding) > 0 {
		// Speaker identity nudges the fundamental so two identities are audible.
		base *= 1 + 0.1*float64(req.Embedding[0])
	}
	amplitude := 0.25 * volume * (0.5 + 0.5*energy)

	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = m.sampleRate
	}
	channels := req.Channels
	if channels <= 0 {
		channels = m.channels
	}

	frames := int(duration.Seconds() * float64(sampleRate))
	pcm := make([]byte, frames*channels*2)
	for i := 0; i < frames; i++ {
		v := amplitude * math.Sin(2*math.Pi*base*float64(i)/float64(sampleRate))
		s := int16(v * math.MaxInt16)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*channels+c)*2:], uint16(s))
		}
	}
	return UnitAudio{PCM: pcm, Duration: duration}, nil
}

func xorshift(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}
