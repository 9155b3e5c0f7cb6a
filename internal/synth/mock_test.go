package synth

import (
	"context"
	"testing"
)

func testSample(n int) Sample {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16((i * 37) % 4096)
	}
	return Sample{PCM: pcm, SampleRate: 22050}
}

func TestMockEmbedDeterministic(t *testing.T) {
	b := NewMockBackend(FamilyOpenVoice, 22050, 1)
	ctx := context.Background()

	first, err := b.Embed(ctx, testSample(22050))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	second, err := b.Embed(ctx, testSample(22050))
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if len(first) != EmbeddingSize {
		t.Fatalf("expected %d values, got %d", EmbeddingSize, len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("embedding not deterministic at index %d: %v != %v", i, first[i], second[i])
		}
	}

	other, err := b.Embed(ctx, testSample(11025))
	if err != nil {
		t.Fatalf("embed other: %v", err)
	}
	same := true
	for i := range first {
		if first[i] != other[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different samples produced identical embeddings")
	}
}

func TestMockRenderRespondsToParameters(t *testing.T) {
	b := NewMockBackend(FamilyBark, 22050, 1)
	ctx := context.Background()
	embedding := make([]float32, EmbeddingSize)

	slow, err := b.RenderUnit(ctx, UnitRequest{
		Text: "hello there", Embedding: embedding,
		Params:     map[string]float64{"rate": 0.5, "volume": 1.0, "energy": 1.0},
		SampleRate: 22050, Channels: 1,
	})
	if err != nil {
		t.Fatalf("render slow: %v", err)
	}
	fast, err := b.RenderUnit(ctx, UnitRequest{
		Text: "hello there", Embedding: embedding,
		Params:     map[string]float64{"rate": 2.0, "volume": 1.0, "energy": 1.0},
		SampleRate: 22050, Channels: 1,
	})
	if err != nil {
		t.Fatalf("render fast: %v", err)
	}
	if len(slow.PCM) <= len(fast.PCM) {
		t.Fatalf("rate must shorten output: slow=%d fast=%d", len(slow.PCM), len(fast.PCM))
	}

	muted, err := b.RenderUnit(ctx, UnitRequest{
		Text: "hello there", Embedding: embedding,
		Params:     map[string]float64{"rate": 1.0, "volume": 0.0, "energy": 1.0},
		SampleRate: 22050, Channels: 1,
	})
	if err != nil {
		t.Fatalf("render muted: %v", err)
	}
	for _, s := range DecodePCM16(muted.PCM) {
		if s != 0 {
			t.Fatalf("volume 0 must render silence, got sample %d", s)
		}
	}
}

func TestParseFamilyRejectsUnknown(t *testing.T) {
	for _, tag := range []string{"openvoice", "bark", "styletts", "coqui", "vall_e", "spark_tts"} {
		if _, err := ParseFamily(tag); err != nil {
			t.Fatalf("%s must parse: %v", tag, err)
		}
	}
	if _, err := ParseFamily("tacotron9"); err == nil {
		t.Fatal("expected error for unknown family")
	}
}

func TestSampleDuration(t *testing.T) {
	s := testSample(44100)
	if got := s.Duration().Seconds(); got < 1.99 || got > 2.01 {
		t.Fatalf("expected ~2s, got %v", got)
	}
}
