package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Oinjenieur/VocalClone/internal/audio"
	"github.com/Oinjenieur/VocalClone/internal/bus"
	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/control"
	"github.com/Oinjenieur/VocalClone/internal/fault"
	"github.com/Oinjenieur/VocalClone/internal/identity"
	"github.com/Oinjenieur/VocalClone/internal/kvstore"
	"github.com/Oinjenieur/VocalClone/internal/model"
	"github.com/Oinjenieur/VocalClone/internal/params"
	"github.com/Oinjenieur/VocalClone/internal/pipeline"
	"github.com/Oinjenieur/VocalClone/internal/protocol"
)

type monitor struct {
	ch chan protocol.AudioChunk
}

// Coordinator arbitrates the engine's single active session. It answers the
// bus API, pumps session output to the bus, the player and monitor taps, and
// persists the session event log. Resident model memory is arbitrated here:
// loading a model past the resident limit first evicts idle ready models.
type Coordinator struct {
	cfg        config.Config
	bus        *bus.Client
	kv         *kvstore.Store
	registry   *model.Registry
	identities *identity.Store
	control    *control.Engine
	player     *audio.Player
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startSub *nats.Subscription

	mu          sync.Mutex
	active      *pipeline.Session
	starting    bool
	sessionSubs map[string][]*nats.Subscription
	monitors    map[int]*monitor
	nextMonitor int

	chunksOut    atomic.Int64
	gapsTotal    atomic.Int64
	monitorDrops atomic.Int64
	meter        metric.Meter
}

func NewCoordinator(parent context.Context, cfg config.Config, busClient *bus.Client, kv *kvstore.Store, registry *model.Registry, identities *identity.Store, ctrl *control.Engine, player *audio.Player, log *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		cfg:         cfg,
		bus:         busClient,
		kv:          kv,
		registry:    registry,
		identities:  identities,
		control:     ctrl,
		player:      player,
		log:         log.With(slog.String("component", "coordinator")),
		ctx:         ctx,
		cancel:      cancel,
		sessionSubs: make(map[string][]*nats.Subscription),
		monitors:    make(map[int]*monitor),
		meter:       otel.Meter("github.com/Oinjenieur/VocalClone/engine"),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

// Start attaches the bus API.
func (c *Coordinator) Start() error {
	if c.bus == nil {
		return nil
	}
	sub, err := c.bus.Conn().Subscribe(protocol.SubjectSessionStart, c.handleStartRequest)
	if err != nil {
		return fmt.Errorf("subscribe session start: %w", err)
	}
	c.startSub = sub
	return nil
}

// Close cancels the active session, waits for the pump, and detaches.
func (c *Coordinator) Close() {
	if c.startSub != nil {
		_ = c.startSub.Drain()
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active != nil {
		active.Cancel()
	}
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for id, m := range c.monitors {
		close(m.ch)
		delete(c.monitors, id)
	}
	c.mu.Unlock()
}

func (c *Coordinator) Healthy() bool { return c.bus == nil || c.startSub != nil }

// Active returns the current session, nil when idle.
func (c *Coordinator) Active() *pipeline.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// StartSession validates the request, makes the model resident, takes a
// reference and launches the session. A second session while one is rendering
// is rejected with Busy, never queued.
func (c *Coordinator) StartSession(ctx context.Context, req protocol.StartRequest) (*pipeline.Session, error) {
	if req.Text == "" {
		return nil, fault.New(fault.KindValidationFailed, "session.start", "empty text")
	}
	if req.ModelID == "" {
		return nil, fault.New(fault.KindValidationFailed, "session.start", "missing model id")
	}

	// Claim the slot before the slow path below. Model residency and
	// identity loads can take seconds, and a second start racing through
	// that window must see Busy, not a free slot.
	c.mu.Lock()
	if c.starting || (c.active != nil && !c.active.State().Terminal()) {
		c.mu.Unlock()
		return nil, fault.New(fault.KindBusy, "session.start", "a session is already active")
	}
	c.starting = true
	c.mu.Unlock()

	speaker, err := c.identities.Get(ctx, req.Identity)
	if err != nil {
		return nil, c.releaseClaim(err)
	}

	if err := c.ensureResident(ctx, req.ModelID); err != nil {
		return nil, c.releaseClaim(err)
	}
	handle, err := c.registry.Acquire(req.ModelID)
	if err != nil {
		return nil, c.releaseClaim(err)
	}

	holder, err := params.NewHolder(params.Builtin())
	if err != nil {
		handle.Release()
		return nil, c.releaseClaim(err)
	}

	sessionID := uuid.NewString()
	for name, value := range req.Params {
		applied, clamped, err := holder.Set(name, value)
		if err != nil {
			handle.Release()
			return nil, c.releaseClaim(err)
		}
		if clamped {
			c.publishWarning(sessionID, fault.KindValidationFailed,
				fmt.Sprintf("parameter %s clamped to %g", name, applied))
		}
	}

	modelStates, cancelWatch, err := c.registry.Watch(req.ModelID)
	if err != nil {
		handle.Release()
		return nil, c.releaseClaim(err)
	}

	session := pipeline.NewSession(sessionID, handle, speaker.Embedding, holder, req.Text, pipeline.Config{
		UnitTimeout:         time.Duration(c.cfg.Synthesis.UnitTimeoutMS) * time.Millisecond,
		ChunkDuration:       time.Duration(c.cfg.Synthesis.ChunkDurationMS) * time.Millisecond,
		MaxConsecutiveFails: c.cfg.Synthesis.MaxConsecutiveFails,
		MinUnitRunes:        c.cfg.Synthesis.MinUnitRunes,
		SampleRate:          c.cfg.Audio.SampleRate,
		Channels:            c.cfg.Audio.Channels,
	}, modelStates, cancelWatch, c.log)

	// Control wiring changes hands under c.mu so a stale teardown can
	// never clobber the successor's update func.
	c.mu.Lock()
	c.active = session
	c.starting = false
	if c.control != nil {
		c.control.SetUpdateFunc(func(name string, value float64) {
			c.applyUpdate(session, map[string]float64{name: value})
		})
	}
	c.mu.Unlock()
	c.subscribeSession(session)

	if err := session.Start(c.ctx); err != nil {
		c.teardown(session)
		return nil, err
	}

	c.wg.Add(1)
	go c.pump(session)

	c.log.Info("session started",
		slog.String("session", sessionID),
		slog.String("model", req.ModelID),
		slog.String("identity", req.Identity))
	return session, nil
}

// releaseClaim frees the start claim after a failed setup and passes the
// error through.
func (c *Coordinator) releaseClaim(err error) error {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
	return err
}

// CancelSession requests cooperative cancellation of the named session.
func (c *Coordinator) CancelSession(id string) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || active.ID() != id {
		return fault.Newf(fault.KindResourceUnavailable, "session.cancel", "no active session %q", id)
	}
	active.Cancel()
	return nil
}

// UpdateParams merges a partial parameter update into the named session.
// Out-of-range values are clamped and reported as warnings, never rejected.
func (c *Coordinator) UpdateParams(id string, values map[string]float64) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil || active.ID() != id {
		return fault.Newf(fault.KindResourceUnavailable, "session.params", "no active session %q", id)
	}
	return c.applyUpdate(active, values)
}

func (c *Coordinator) applyUpdate(session *pipeline.Session, values map[string]float64) error {
	for name, value := range values {
		applied, clamped, err := session.Params().Set(name, value)
		if err != nil {
			return err
		}
		if clamped {
			c.publishWarning(session.ID(), fault.KindValidationFailed,
				fmt.Sprintf("parameter %s clamped to %g", name, applied))
		}
	}
	return nil
}

// Monitor opens a tap on the active audio stream. The tap may drop chunks
// under backpressure; playback never does. cancel closes the tap.
func (c *Coordinator) Monitor(buffer int) (<-chan protocol.AudioChunk, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	m := &monitor{ch: make(chan protocol.AudioChunk, buffer)}
	c.mu.Lock()
	id := c.nextMonitor
	c.nextMonitor++
	c.monitors[id] = m
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.monitors[id]; ok {
			delete(c.monitors, id)
			close(cur.ch)
		}
	}
	return m.ch, cancel
}

// ensureResident brings the model to Ready, evicting idle ready models when
// the resident limit is hit. Referenced models are never evicted.
func (c *Coordinator) ensureResident(ctx context.Context, id string) error {
	info, err := c.registry.Describe(id)
	if err != nil {
		return err
	}
	if info.State == model.StateReady {
		return nil
	}

	if c.registry.ResidentCount() >= c.cfg.Models.MaxResident {
		for _, idle := range c.registry.IdleReady() {
			if idle == id {
				continue
			}
			if err := c.registry.Unload(idle); err != nil {
				c.log.Warn("eviction failed", slog.String("model", idle), slog.String("error", err.Error()))
				continue
			}
			c.log.Info("evicted idle model", slog.String("model", idle))
			if c.registry.ResidentCount() < c.cfg.Models.MaxResident {
				break
			}
		}
	}

	if err := c.registry.Load(id); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.Models.LoadTimeoutMS)*time.Millisecond)
	defer cancel()
	return c.registry.WaitFor(waitCtx, id, model.StateReady)
}

// pump drains the session's chunk and event streams until both close, then
// tears the session down.
func (c *Coordinator) pump(session *pipeline.Session) {
	defer c.wg.Done()

	chunks := session.Chunks()
	events := session.Events()
	for chunks != nil || events != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			c.forwardChunk(session, chunk)
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.forwardEvent(session, evt)
		}
	}
	c.teardown(session)
}

func (c *Coordinator) forwardChunk(session *pipeline.Session, chunk pipeline.Chunk) {
	packet := protocol.AudioChunk{
		SessionID:  session.ID(),
		Sequence:   chunk.Sequence,
		SampleRate: c.cfg.Audio.SampleRate,
		Channels:   c.cfg.Audio.Channels,
		PCM:        chunk.PCM,
		Timestamp:  chunk.Timestamp,
		Final:      chunk.Final,
	}
	c.chunksOut.Add(1)

	if c.bus != nil {
		if data, err := json.Marshal(packet); err == nil {
			if err := c.bus.Conn().Publish(protocol.SubjectChunkPrefix+session.ID(), data); err != nil {
				c.log.Warn("failed to publish chunk", slog.String("error", err.Error()))
			}
			// Session-agnostic feed for level meters and waveform displays.
			_ = c.bus.Conn().Publish(protocol.SubjectMonitor, data)
		}
	}

	if c.player != nil {
		if err := c.player.Enqueue(c.ctx, chunk.PCM); err != nil {
			c.log.Warn("player enqueue failed", slog.String("error", err.Error()))
		}
	}

	// Monitor taps never hold up playback: a full tap drops the chunk.
	c.mu.Lock()
	for _, m := range c.monitors {
		select {
		case m.ch <- packet:
		default:
			c.monitorDrops.Add(1)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) forwardEvent(session *pipeline.Session, evt pipeline.Event) {
	if evt.Type == "gap" {
		c.gapsTotal.Add(1)
	}
	packet := protocol.SessionEvent{
		SessionID: session.ID(),
		Type:      evt.Type,
		Detail:    evt.Detail,
		Kind:      string(evt.Kind),
		Sequence:  evt.Sequence,
		At:        evt.At,
	}
	if evt.Type == "state" {
		packet.Detail = string(evt.State)
		if evt.Detail != "" {
			packet.Detail = string(evt.State) + ": " + evt.Detail
		}
	}

	if c.bus != nil {
		if data, err := json.Marshal(packet); err == nil {
			_ = c.bus.Conn().Publish(protocol.SubjectSessionEventPrefix+session.ID(), data)
		}
	}
	if c.kv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		record := kvstore.SessionEvent{SessionID: session.ID(), Type: packet.Type, Detail: packet.Detail}
		if err := c.kv.AppendSessionEvent(ctx, record); err != nil {
			c.log.Warn("failed to persist session event", slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (c *Coordinator) publishWarning(sessionID string, kind fault.Kind, detail string) {
	c.log.Warn("session warning", slog.String("session", sessionID), slog.String("detail", detail))
	if c.bus == nil {
		return
	}
	packet := protocol.SessionEvent{
		SessionID: sessionID,
		Type:      "warning",
		Detail:    detail,
		Kind:      string(kind),
		At:        time.Now().UTC(),
	}
	if data, err := json.Marshal(packet); err == nil {
		_ = c.bus.Conn().Publish(protocol.SubjectSessionEventPrefix+sessionID, data)
	}
}

// teardown detaches the session's own bus inboxes and control wiring. It
// only touches state the session still owns: a successor that started while
// this teardown was pending keeps its update func and subscriptions. The
// session itself released its model reference when it finished.
func (c *Coordinator) teardown(session *pipeline.Session) {
	c.mu.Lock()
	subs := c.sessionSubs[session.ID()]
	delete(c.sessionSubs, session.ID())
	if c.active == session {
		c.active = nil
		if c.control != nil {
			c.control.SetUpdateFunc(nil)
		}
	}
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.log.Info("session torn down", slog.String("session", session.ID()), slog.String("state", string(session.State())))
}

func (c *Coordinator) handleStartRequest(msg *nats.Msg) {
	var req protocol.StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.reply(msg, protocol.StartReply{Error: "invalid request", Kind: string(fault.KindValidationFailed)})
		return
	}
	session, err := c.StartSession(c.ctx, req)
	if err != nil {
		c.reply(msg, protocol.StartReply{Error: err.Error(), Kind: string(fault.KindOf(err))})
		return
	}
	c.reply(msg, protocol.StartReply{SessionID: session.ID()})
}

func (c *Coordinator) handleCancel(session *pipeline.Session) nats.MsgHandler {
	return func(*nats.Msg) {
		session.Cancel()
	}
}

func (c *Coordinator) handleParamsUpdate(session *pipeline.Session) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var update protocol.ParamsUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			c.log.Warn("invalid params update", slog.String("error", err.Error()))
			return
		}
		if err := c.applyUpdate(session, update.Values); err != nil {
			c.publishWarning(session.ID(), fault.KindOf(err), err.Error())
		}
	}
}

func (c *Coordinator) subscribeSession(session *pipeline.Session) {
	if c.bus == nil {
		return
	}
	var subs []*nats.Subscription
	if sub, err := c.bus.Conn().Subscribe(protocol.SubjectSessionCancelPfx+session.ID(), c.handleCancel(session)); err == nil {
		subs = append(subs, sub)
	} else {
		c.log.Warn("subscribe cancel failed", slog.String("error", err.Error()))
	}
	if sub, err := c.bus.Conn().Subscribe(protocol.SubjectParamsUpdatePfx+session.ID(), c.handleParamsUpdate(session)); err == nil {
		subs = append(subs, sub)
	} else {
		c.log.Warn("subscribe params failed", slog.String("error", err.Error()))
	}
	c.mu.Lock()
	c.sessionSubs[session.ID()] = subs
	c.mu.Unlock()
}

func (c *Coordinator) reply(msg *nats.Msg, reply protocol.StartReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.Warn("failed to reply", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) initMetrics() error {
	if c.meter == nil {
		return nil
	}
	chunks, err := c.meter.Int64ObservableCounter("vocal.session.chunks",
		metric.WithDescription("Audio chunks emitted across sessions"))
	if err != nil {
		return err
	}
	gaps, err := c.meter.Int64ObservableCounter("vocal.session.gaps",
		metric.WithDescription("Recorded gaps from failed render units"))
	if err != nil {
		return err
	}
	drops, err := c.meter.Int64ObservableCounter("vocal.monitor.drops",
		metric.WithDescription("Chunks dropped by saturated monitor taps"))
	if err != nil {
		return err
	}
	_, err = c.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(chunks, c.chunksOut.Load())
		obs.ObserveInt64(gaps, c.gapsTotal.Load())
		obs.ObserveInt64(drops, c.monitorDrops.Load())
		return nil
	}, chunks, gaps, drops)
	return err
}
