package audio

import (
	"context"
	"sync"
	"time"

	"github.com/Oinjenieur/VocalClone/internal/synth"
)

// Block is one fixed-size slice of captured audio with its capture time.
type Block struct {
	PCM []int16
	At  time.Time
}

// Capture delivers blocks from an already-open input source. The channel
// closes when the source stops.
type Capture interface {
	Blocks() <-chan Block
	Close() error
}

// Recorder accumulates capture blocks into a voice sample for identity
// derivation.
type Recorder struct {
	sampleRate int

	mu  sync.Mutex
	pcm []int16
}

func NewRecorder(sampleRate int) *Recorder {
	return &Recorder{sampleRate: sampleRate}
}

// Consume drains the source until its channel closes or the context ends.
func (r *Recorder) Consume(ctx context.Context, src Capture) error {
	for {
		select {
		case block, ok := <-src.Blocks():
			if !ok {
				return nil
			}
			r.Append(block)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Append adds one block to the recording.
func (r *Recorder) Append(block Block) {
	r.mu.Lock()
	r.pcm = append(r.pcm, block.PCM...)
	r.mu.Unlock()
}

// Duration reports the accumulated recording length.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.pcm)) * time.Second / time.Duration(r.sampleRate)
}

// Sample snapshots the recording.
func (r *Recorder) Sample() synth.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	pcm := make([]int16, len(r.pcm))
	copy(pcm, r.pcm)
	return synth.Sample{PCM: pcm, SampleRate: r.sampleRate}
}

// Reset discards the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.pcm = nil
	r.mu.Unlock()
}
