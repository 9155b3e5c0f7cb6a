package audio

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/identity"
)

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		SampleRate:      22050,
		Channels:        1,
		BlockDurationMS: 20,
		QueueBlocks:     8,
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPlayerEmitsQueuedAudioInOrder(t *testing.T) {
	out := NewBufferOutput()
	p := NewPlayer(testAudioConfig(), out, newTestLogger())
	size := p.blockBytes()

	first := make([]byte, size)
	second := make([]byte, size)
	for i := range first {
		first[i] = 0x11
	}
	for i := range second {
		second[i] = 0x22
	}
	if err := p.Enqueue(context.Background(), first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Enqueue(context.Background(), second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := p.emitBlock(); err != nil {
			t.Fatalf("emit block %d: %v", i, err)
		}
	}

	blocks := out.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if !bytes.Equal(blocks[0], first) || !bytes.Equal(blocks[1], second) {
		t.Fatal("blocks emitted out of order")
	}
	if got := p.Underruns(); got != 0 {
		t.Fatalf("no underrun expected, got %d", got)
	}
}

func TestPlayerPadsPartialBlockAndCountsUnderrun(t *testing.T) {
	out := NewBufferOutput()
	p := NewPlayer(testAudioConfig(), out, newTestLogger())
	size := p.blockBytes()

	half := make([]byte, size/2)
	for i := range half {
		half[i] = 0x33
	}
	if err := p.Enqueue(context.Background(), half); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := p.emitBlock(); err != nil {
		t.Fatalf("emit: %v", err)
	}

	blocks := out.Blocks()
	if len(blocks) != 1 || len(blocks[0]) != size {
		t.Fatalf("expected one full-size block, got %d blocks", len(blocks))
	}
	if !bytes.Equal(blocks[0][:size/2], half) {
		t.Fatal("queued audio must lead the block")
	}
	for _, b := range blocks[0][size/2:] {
		if b != 0 {
			t.Fatal("padding must be silence")
		}
	}
	if got := p.Underruns(); got != 1 {
		t.Fatalf("expected 1 underrun, got %d", got)
	}
}

func TestPlayerSilenceWhenStarvedMidStream(t *testing.T) {
	out := NewBufferOutput()
	p := NewPlayer(testAudioConfig(), out, newTestLogger())
	size := p.blockBytes()

	if err := p.Enqueue(context.Background(), make([]byte, size)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.emitBlock(); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	// One data block, then starvation: exactly one underrun for the episode,
	// later idle blocks stay silent without inflating the counter.
	if len(out.Blocks()) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(out.Blocks()))
	}
	if got := p.Underruns(); got != 1 {
		t.Fatalf("expected 1 underrun for the starvation episode, got %d", got)
	}
}

func TestPlayerIdleBeforeFirstAudioIsNotAnUnderrun(t *testing.T) {
	out := NewBufferOutput()
	p := NewPlayer(testAudioConfig(), out, newTestLogger())

	for i := 0; i < 5; i++ {
		if err := p.emitBlock(); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	if got := p.Underruns(); got != 0 {
		t.Fatalf("idle player must not count underruns, got %d", got)
	}
}

func TestPlayerEnqueueAfterCloseRejected(t *testing.T) {
	out := NewBufferOutput()
	p := NewPlayer(testAudioConfig(), out, newTestLogger())
	p.Start()
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Saturate the queue so Enqueue takes the stop path.
	for i := 0; i < cap(p.queue)+1; i++ {
		if err := p.Enqueue(context.Background(), []byte{1, 2}); err != nil {
			return
		}
	}
	t.Fatal("enqueue after close must eventually fail")
}

func TestRecorderAccumulatesSample(t *testing.T) {
	r := NewRecorder(22050)
	blocks := make(chan Block, 3)
	now := time.Now()
	blocks <- Block{PCM: []int16{1, 2, 3}, At: now}
	blocks <- Block{PCM: []int16{4, 5}, At: now.Add(time.Millisecond)}
	close(blocks)

	if err := r.Consume(context.Background(), chanCapture(blocks)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	sample := r.Sample()
	if len(sample.PCM) != 5 || sample.PCM[4] != 5 {
		t.Fatalf("unexpected sample: %v", sample.PCM)
	}
	if sample.SampleRate != 22050 {
		t.Fatalf("unexpected sample rate %d", sample.SampleRate)
	}

	r.Reset()
	if got := r.Duration(); got != 0 {
		t.Fatalf("expected empty recorder after reset, got %v", got)
	}
}

type chanCapture <-chan Block

func (c chanCapture) Blocks() <-chan Block { return c }

func (c chanCapture) Close() error { return nil }

func TestWAVSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.wav")
	sink, err := NewWAVSink(path, 22050, 1)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}

	// Samples 1000 and -2000 as little-endian int16.
	pcm := []byte{0xE8, 0x03, 0x30, 0xF8}
	if err := sink.WriteBlock(pcm); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sample, err := identity.LoadSampleWAV(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(sample.PCM) != 2 || sample.PCM[0] != 1000 || sample.PCM[1] != -2000 {
		t.Fatalf("unexpected decoded samples: %v", sample.PCM)
	}
}
