package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// execBackend shells out to an external synthesis process per operation.
// Embedding extraction hands the sample over as a WAV file; unit rendering
// speaks JSON over stdio with base64 PCM, one chunk per line.
type execBackend struct {
	family Family
	cmd    []string
	desc   ModelDescriptor
	opts   Options
	mu     sync.Mutex
}

type execEmbedResult struct {
	Embedding []float32 `json:"embedding"`
}

type execRenderRequest struct {
	Text       string             `json:"text"`
	Embedding  []float32          `json:"embedding"`
	Params     map[string]float64 `json:"params"`
	SampleRate int                `json:"sample_rate"`
	Channels   int                `json:"channels"`
	Model      string             `json:"model"`
	Location   string             `json:"location"`
}

type execRenderResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecBackend(desc ModelDescriptor, opts Options) (Backend, error) {
	family, err := ParseFamily(desc.Family)
	if err != nil {
		return nil, err
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &execBackend{family: family, cmd: args, desc: desc, opts: opts}, nil
}

func (e *execBackend) Family() Family { return e.family }

func (e *execBackend) Close() error { return nil }

func (e *execBackend) Embed(ctx context.Context, sample Sample) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "vocal_embed_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSampleWAV(file, sample); err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "embed", "--audio", file.Name(), "--model", e.desc.Location)

	command := exec.CommandContext(ctx, base, args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("embed command failed: %w: %s", err, stderr.String())
	}

	var result execEmbedResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embedding) != EmbeddingSize {
		return nil, fmt.Errorf("embed response has %d values, want %d", len(result.Embedding), EmbeddingSize)
	}
	return result.Embedding, nil
}

func (e *execBackend) RenderUnit(ctx context.Context, req UnitRequest) (UnitAudio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRenderRequest{
		Text:       req.Text,
		Embedding:  req.Embedding,
		Params:     req.Params,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		Model:      e.desc.ID,
		Location:   e.desc.Location,
	})
	if err != nil {
		return UnitAudio{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "render")
	command := exec.CommandContext(ctx, base, args...)
	stdin, err := command.StdinPipe()
	if err != nil {
		return UnitAudio{}, err
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return UnitAudio{}, err
	}
	if err := command.Start(); err != nil {
		return UnitAudio{}, err
	}

	if _, err := stdin.Write(payload); err != nil {
		command.Wait()
		return UnitAudio{}, err
	}
	stdin.Close()

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execRenderResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			command.Wait()
			return UnitAudio{}, fmt.Errorf("decode render response: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			command.Wait()
			return UnitAudio{}, fmt.Errorf("decode render pcm: %w", err)
		}
		pcm = append(pcm, data...)
		if resp.Final {
			break
		}
	}
	if err := command.Wait(); err != nil {
		return UnitAudio{}, fmt.Errorf("render command failed: %w", err)
	}
	if err := scanner.Err(); err != nil {
		return UnitAudio{}, err
	}

	frames := len(pcm) / (2 * maxInt(req.Channels, 1))
	duration := time.Duration(frames) * time.Second / time.Duration(maxInt(req.SampleRate, 1))
	return UnitAudio{PCM: pcm, Duration: duration}, nil
}

func writeSampleWAV(file *os.File, sample Sample) error {
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: sample.SampleRate}}
	samples := make([]int, len(sample.PCM))
	for i, v := range sample.PCM {
		samples[i] = int(v)
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sample.SampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// DecodePCM16 turns little-endian 16-bit PCM bytes back into samples.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
