package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Oinjenieur/VocalClone/internal/fault"
	"github.com/Oinjenieur/VocalClone/internal/model"
	"github.com/Oinjenieur/VocalClone/internal/params"
	"github.com/Oinjenieur/VocalClone/internal/synth"
)

// SessionState is the lifecycle state of a synthesis session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateRendering SessionState = "rendering"
	StateCompleted SessionState = "completed"
	StateCancelled SessionState = "cancelled"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether the state can never change again.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Chunk is one emitted block of session audio.
type Chunk struct {
	Sequence  int
	PCM       []byte
	Duration  time.Duration
	Timestamp time.Time
	Final     bool
}

// Event carries session state transitions, warnings and recorded gaps.
type Event struct {
	Type     string // state, warning, gap
	State    SessionState
	Detail   string
	Kind     fault.Kind
	Sequence int
	At       time.Time
}

// Config bundles the render-side tunables.
type Config struct {
	UnitTimeout         time.Duration
	ChunkDuration       time.Duration
	MaxConsecutiveFails int
	MinUnitRunes        int
	SampleRate          int
	Channels            int
}

// Session renders one text against one Ready model and one speaker identity.
// It owns a single render worker; chunks stream out in strictly increasing,
// contiguous sequence order except where a gap event records a failed unit.
// A terminal session is never restartable.
type Session struct {
	id        string
	handle    *model.Handle
	embedding []float32
	holder    *params.Holder
	units     []string
	cfg       Config
	log       *slog.Logger

	modelStates <-chan model.State
	cancelWatch func()

	chunks chan Chunk
	events chan Event
	cancel chan struct{}
	done   chan struct{}

	cancelOnce sync.Once

	mu    sync.Mutex
	state SessionState
}

// NewSession binds the pieces. The handle is owned by the session from here
// on and released exactly once when the session terminates.
func NewSession(id string, handle *model.Handle, embedding []float32, holder *params.Holder, text string, cfg Config, modelStates <-chan model.State, cancelWatch func(), log *slog.Logger) *Session {
	return &Session{
		id:          id,
		handle:      handle,
		embedding:   embedding,
		holder:      holder,
		units:       Segment(text, cfg.MinUnitRunes),
		cfg:         cfg,
		log:         log.With(slog.String("component", "session"), slog.String("session", id)),
		modelStates: modelStates,
		cancelWatch: cancelWatch,
		chunks:      make(chan Chunk, 8),
		events:      make(chan Event, 32),
		cancel:      make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateIdle,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ModelID returns the backing model id.
func (s *Session) ModelID() string { return s.handle.ID() }

// Chunks is the ordered audio stream. Closed on termination.
func (s *Session) Chunks() <-chan Chunk { return s.chunks }

// Events is the lifecycle/warning stream. Closed on termination.
func (s *Session) Events() <-chan Event { return s.events }

// Done closes when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Params exposes the live parameter holder for this session.
func (s *Session) Params() *params.Holder { return s.holder }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the render worker. Calling Start on a non-idle session is a
// Busy error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fault.Newf(fault.KindBusy, "session.start", "session is %s", state)
	}
	s.state = StateRendering
	s.mu.Unlock()

	s.emitState(StateRendering, "")
	go s.render(ctx)
	return nil
}

// Cancel requests a cooperative stop. The worker observes it at the next unit
// boundary, so the session reaches Cancelled within one unit's render time.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *Session) render(ctx context.Context) {
	seq := 0
	consecutive := 0

	for i, unit := range s.units {
		if s.stopRequested(ctx) {
			s.finish(StateCancelled, "")
			return
		}
		if reason, dead := s.modelUnusable(); dead {
			s.emitWarning(fault.KindFatalSessionFailure, seq, "model became unusable: "+reason)
			s.finish(StateFailed, reason)
			return
		}

		// The unit reads the parameter revision current at the moment its
		// render begins; later updates affect only units not yet started.
		values, rev := s.holder.Snapshot()

		unitCtx, cancel := context.WithTimeout(ctx, s.cfg.UnitTimeout)
		audio, err := s.handle.Backend().RenderUnit(unitCtx, synth.UnitRequest{
			Text:       unit,
			Embedding:  s.embedding,
			Params:     values,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
		})
		cancel()

		if err != nil {
			// Partial output beats total failure: record the gap, warn, move on.
			s.emitGap(seq, fmt.Sprintf("unit %d failed: %v", i, err))
			seq++
			consecutive++
			if consecutive >= s.cfg.MaxConsecutiveFails {
				detail := fmt.Sprintf("%d consecutive unit failures", consecutive)
				s.emitWarning(fault.KindFatalSessionFailure, seq, detail)
				s.finish(StateFailed, detail)
				return
			}
			continue
		}
		consecutive = 0
		s.log.Debug("unit rendered",
			slog.Int("unit", i),
			slog.Uint64("params_revision", rev),
			slog.Int("bytes", len(audio.PCM)))

		final := i == len(s.units)-1
		if !s.emitChunks(audio, &seq, final) {
			s.finish(StateCancelled, "")
			return
		}
	}

	s.finish(StateCompleted, "")
}

// emitChunks slices unit audio into chunk-duration blocks, each with its own
// sequence number. Returns false if the session was cancelled while emitting.
func (s *Session) emitChunks(audio synth.UnitAudio, seq *int, final bool) bool {
	bytesPerChunk := int(s.cfg.ChunkDuration.Seconds()*float64(s.cfg.SampleRate)) * s.cfg.Channels * 2
	if bytesPerChunk <= 0 {
		bytesPerChunk = len(audio.PCM)
	}
	if bytesPerChunk == 0 {
		return true
	}

	for offset := 0; offset < len(audio.PCM); offset += bytesPerChunk {
		end := offset + bytesPerChunk
		if end > len(audio.PCM) {
			end = len(audio.PCM)
		}
		block := audio.PCM[offset:end]
		frames := len(block) / (s.cfg.Channels * 2)
		chunk := Chunk{
			Sequence:  *seq,
			PCM:       block,
			Duration:  time.Duration(frames) * time.Second / time.Duration(s.cfg.SampleRate),
			Timestamp: time.Now().UTC(),
			Final:     final && end == len(audio.PCM),
		}
		select {
		case s.chunks <- chunk:
			*seq++
		case <-s.cancel:
			return false
		}
	}
	return true
}

func (s *Session) stopRequested(ctx context.Context) bool {
	select {
	case <-s.cancel:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// modelUnusable drains pending registry notifications and reports whether the
// backing model left Ready.
func (s *Session) modelUnusable() (string, bool) {
	if s.modelStates == nil {
		return "", false
	}
	for {
		select {
		case state, ok := <-s.modelStates:
			if !ok {
				return "", false
			}
			if state == model.StateFailed || state == model.StateUnloaded {
				return string(state), true
			}
		default:
			return "", false
		}
	}
}

func (s *Session) finish(state SessionState, detail string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.emitState(state, detail)
	close(s.chunks)
	close(s.events)
	if s.cancelWatch != nil {
		s.cancelWatch()
	}
	// Teardown always releases the model reference, exactly once.
	s.handle.Release()
	close(s.done)
	s.log.Info("session finished", slog.String("state", string(state)))
}

func (s *Session) emitState(state SessionState, detail string) {
	s.emit(Event{Type: "state", State: state, Detail: detail, At: time.Now().UTC()})
}

func (s *Session) emitWarning(kind fault.Kind, seq int, detail string) {
	s.emit(Event{Type: "warning", Kind: kind, Sequence: seq, Detail: detail, At: time.Now().UTC()})
}

func (s *Session) emitGap(seq int, detail string) {
	s.emit(Event{Type: "gap", Kind: fault.KindPartialRenderFailure, Sequence: seq, Detail: detail, At: time.Now().UTC()})
}

func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
		s.log.Warn("event dropped", slog.String("type", evt.Type), slog.String("detail", evt.Detail))
	}
}
