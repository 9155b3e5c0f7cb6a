package audio

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Output receives fixed-size PCM blocks from the player. Implementations wrap
// whatever the shell has opened: a device handle, a file, a test buffer.
type Output interface {
	WriteBlock(pcm []byte) error
	Close() error
}

// BufferOutput collects written blocks in memory.
type BufferOutput struct {
	mu     sync.Mutex
	blocks [][]byte
	closed bool
}

func NewBufferOutput() *BufferOutput {
	return &BufferOutput{}
}

func (o *BufferOutput) WriteBlock(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("output closed")
	}
	block := make([]byte, len(pcm))
	copy(block, pcm)
	o.blocks = append(o.blocks, block)
	return nil
}

func (o *BufferOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Blocks returns a copy of everything written so far.
func (o *BufferOutput) Blocks() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]byte, len(o.blocks))
	copy(out, o.blocks)
	return out
}

// WAVSink streams blocks into a WAV file, for offline export of a rendered
// session.
type WAVSink struct {
	file     *os.File
	encoder  *wav.Encoder
	channels int
}

func NewWAVSink(path string, sampleRate, channels int) (*WAVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	encoder := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	return &WAVSink{file: file, encoder: encoder, channels: channels}, nil
}

func (s *WAVSink) WriteBlock(pcm []byte) error {
	samples := len(pcm) / 2
	data := make([]int, samples)
	for i := 0; i < samples; i++ {
		data[i] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: s.encoder.SampleRate, NumChannels: s.channels},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := s.encoder.Write(buffer); err != nil {
		return fmt.Errorf("write wav block: %w", err)
	}
	return nil
}

func (s *WAVSink) Close() error {
	if err := s.encoder.Close(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return s.file.Close()
}
