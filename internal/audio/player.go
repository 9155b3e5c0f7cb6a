package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/fault"
)

// Player drains a bounded queue of PCM data into an Output at a fixed block
// period. When the queue runs dry mid-stream it writes silence instead of
// stalling the output, and counts the underrun. The emission loop shares no
// locks with loaders or parameter writers; producers only touch the queue
// channel.
type Player struct {
	cfg config.AudioConfig
	out Output
	log *slog.Logger

	queue   chan []byte
	pending []byte // carry-over from a partially consumed queue entry

	underruns atomic.Int64
	emitted   atomic.Int64
	hot       bool // audio has flowed since the last starvation

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	meter metric.Meter
}

func NewPlayer(cfg config.AudioConfig, out Output, log *slog.Logger) *Player {
	p := &Player{
		cfg:   cfg,
		out:   out,
		log:   log.With(slog.String("component", "player")),
		queue: make(chan []byte, cfg.QueueBlocks),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		meter: otel.Meter("github.com/Oinjenieur/VocalClone/engine"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

// blockBytes is the size of one emission block.
func (p *Player) blockBytes() int {
	frames := p.cfg.SampleRate * p.cfg.BlockDurationMS / 1000
	return frames * p.cfg.Channels * 2
}

// Enqueue hands PCM to the playback queue. It blocks when the queue is full:
// backpressure here is what keeps the renderer from racing ahead of real time.
func (p *Player) Enqueue(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	select {
	case p.queue <- pcm:
		return nil
	case <-p.stop:
		return fault.New(fault.KindBusy, "player.enqueue", "player stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the emission loop.
func (p *Player) Start() {
	go p.run()
}

func (p *Player) run() {
	defer close(p.done)
	ticker := time.NewTicker(time.Duration(p.cfg.BlockDurationMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.emitBlock(); err != nil {
				p.log.Warn("output write failed", slog.String("error", err.Error()))
			}
		}
	}
}

// emitBlock assembles one block from the pending carry and the queue, padding
// with silence when the pipeline starves.
func (p *Player) emitBlock() error {
	size := p.blockBytes()
	block := make([]byte, 0, size)

	for len(block) < size {
		if len(p.pending) > 0 {
			take := size - len(block)
			if take > len(p.pending) {
				take = len(p.pending)
			}
			block = append(block, p.pending[:take]...)
			p.pending = p.pending[take:]
			continue
		}
		select {
		case pcm := <-p.queue:
			p.pending = pcm
		default:
			// Queue dry. Zero bytes are silence in signed PCM.
			if len(block) > 0 {
				p.underruns.Add(1)
				p.hot = true
			} else if p.hot {
				p.underruns.Add(1)
				p.hot = false
			}
			block = block[:size]
			p.emitted.Add(1)
			return p.out.WriteBlock(block)
		}
	}

	p.hot = true
	p.emitted.Add(1)
	return p.out.WriteBlock(block)
}

// Underruns reports how many blocks needed silence padding.
func (p *Player) Underruns() int64 {
	return p.underruns.Load()
}

// Close stops the emission loop and closes the output.
func (p *Player) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
	case <-time.After(time.Second):
		p.log.Warn("emission loop did not stop in time")
	}
	return p.out.Close()
}

func (p *Player) initMetrics() error {
	if p.meter == nil {
		return nil
	}
	underruns, err := p.meter.Int64ObservableCounter("vocal.audio.underruns",
		metric.WithDescription("Playback blocks padded with silence"))
	if err != nil {
		return err
	}
	emitted, err := p.meter.Int64ObservableCounter("vocal.audio.blocks_emitted",
		metric.WithDescription("Playback blocks written to the output"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(underruns, p.underruns.Load())
		obs.ObserveInt64(emitted, p.emitted.Load())
		return nil
	}, underruns, emitted)
	return err
}
