package identity

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"

	"github.com/Oinjenieur/VocalClone/internal/synth"
)

// LoadSampleWAV reads a recorded voice sample from a WAV file, downmixing to
// mono. The shell records capture sessions to disk before asking for a
// derivation.
func LoadSampleWAV(path string) (synth.Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return synth.Sample{}, fmt.Errorf("open sample: %w", err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return synth.Sample{}, fmt.Errorf("decode wav: %w", err)
	}
	if buffer.Format == nil || buffer.Format.SampleRate <= 0 {
		return synth.Sample{}, fmt.Errorf("wav has no format information")
	}

	channels := buffer.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	frames := len(buffer.Data) / channels
	pcm := make([]int16, frames)
	for i := 0; i < frames; i++ {
		// Average the channels into mono.
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buffer.Data[i*channels+c]
		}
		pcm[i] = int16(sum / channels)
	}

	return synth.Sample{PCM: pcm, SampleRate: buffer.Format.SampleRate}, nil
}
