package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Oinjenieur/VocalClone/internal/bus"
	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/fault"
	"github.com/Oinjenieur/VocalClone/internal/kvstore"
	"github.com/Oinjenieur/VocalClone/internal/params"
	"github.com/Oinjenieur/VocalClone/internal/protocol"
)

const bindingBucket = "bindings"

// LearnResult is the outcome of one learn-mode interaction.
type LearnResult string

const (
	LearnBound     LearnResult = "bound"
	LearnTimedOut  LearnResult = "timed_out"
	LearnCancelled LearnResult = "cancelled"
)

// LearnOutcome is delivered on the channel returned by StartLearning.
type LearnOutcome struct {
	Result  LearnResult
	Binding *Binding
}

// UpdateFunc forwards a transformed parameter value to the active session.
type UpdateFunc func(parameter string, value float64)

type learnState struct {
	active    bool
	parameter string
	token     int
	outcome   chan LearnOutcome
	timer     *time.Timer
}

// Engine turns MIDI control-change events into parameter updates through a
// persisted binding set, and captures new bindings via learn mode. Events for
// unbound controllers are no-ops: controllers emit plenty of them.
type Engine struct {
	cfg  config.MIDIConfig
	kv   *kvstore.Store
	log  *slog.Logger
	defs map[string]params.Definition

	sub *nats.Subscription

	mu       sync.Mutex
	bindings map[string]Binding
	update   UpdateFunc
	learn    learnState
}

func NewEngine(cfg config.MIDIConfig, defs []params.Definition, kv *kvstore.Store, log *slog.Logger) *Engine {
	defMap := make(map[string]params.Definition, len(defs))
	for _, def := range defs {
		defMap[def.Name] = def
	}
	return &Engine{
		cfg:      cfg,
		kv:       kv,
		log:      log.With(slog.String("component", "control-engine")),
		defs:     defMap,
		bindings: make(map[string]Binding),
	}
}

// Start loads persisted bindings and, when a bus client is supplied, attaches
// the engine's inbox to the control-change subject. The shell owns the MIDI
// device; the engine only sees the already-open event stream.
func (e *Engine) Start(ctx context.Context, busClient *bus.Client) error {
	if e.kv != nil {
		stored, err := e.kv.List(ctx, bindingBucket)
		if err != nil {
			return fmt.Errorf("load bindings: %w", err)
		}
		e.mu.Lock()
		for key, data := range stored {
			var b Binding
			if err := json.Unmarshal(data, &b); err != nil {
				e.log.Warn("skipping corrupt binding", slog.String("key", key), slog.String("error", err.Error()))
				continue
			}
			e.bindings[b.Key()] = b
		}
		count := len(e.bindings)
		e.mu.Unlock()
		e.log.Info("bindings loaded", slog.Int("count", count))
	}

	if busClient != nil && e.cfg.Enabled {
		sub, err := busClient.Conn().Subscribe(protocol.SubjectControlChange, e.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe control changes: %w", err)
		}
		e.sub = sub
	}
	return nil
}

// Close detaches the inbox and cancels any pending learn.
func (e *Engine) Close() {
	if e.sub != nil {
		_ = e.sub.Drain()
	}
	e.CancelLearning()
}

// SetUpdateFunc installs the forwarding target for transformed values. The
// coordinator swaps it when sessions start and end.
func (e *Engine) SetUpdateFunc(fn UpdateFunc) {
	e.mu.Lock()
	e.update = fn
	e.mu.Unlock()
}

func (e *Engine) handleMessage(msg *nats.Msg) {
	var cc protocol.ControlChange
	if err := json.Unmarshal(msg.Data, &cc); err != nil {
		e.log.Warn("invalid control change message", slog.String("error", err.Error()))
		return
	}
	e.HandleControlEvent(cc)
}

// HandleControlEvent processes one control-change event: a pending learn
// captures it; otherwise it is looked up against the binding set and, when
// bound and enabled, transformed and forwarded.
func (e *Engine) HandleControlEvent(cc protocol.ControlChange) {
	if cc.Channel < 0 || cc.Channel > 15 || cc.Controller < 0 || cc.Controller > 127 {
		e.log.Warn("control change out of range",
			slog.Int("channel", cc.Channel), slog.Int("controller", cc.Controller))
		return
	}

	e.mu.Lock()
	if e.learn.active {
		binding := e.captureLocked(cc)
		e.mu.Unlock()
		e.persist(binding)
		return
	}
	binding, ok := e.bindings[BindingKey(cc.Channel, cc.Controller)]
	update := e.update
	e.mu.Unlock()

	if !ok || !binding.Enabled {
		return
	}
	value := binding.Transform(cc.Value)
	if update != nil {
		update(binding.Parameter, value)
	}
}

// captureLocked creates or replaces the binding for the captured pair and
// finishes the learn interaction. Caller holds e.mu.
func (e *Engine) captureLocked(cc protocol.ControlChange) Binding {
	def := e.defs[e.learn.parameter]
	binding := Binding{
		Channel:    cc.Channel,
		Controller: cc.Controller,
		Parameter:  e.learn.parameter,
		Min:        def.Min,
		Max:        def.Max,
		Curve:      CurveLinear,
		Enabled:    true,
	}
	e.bindings[binding.Key()] = binding
	e.finishLearnLocked(LearnOutcome{Result: LearnBound, Binding: &binding})
	e.log.Info("binding learned",
		slog.Int("channel", cc.Channel),
		slog.Int("controller", cc.Controller),
		slog.String("parameter", binding.Parameter))
	return binding
}

// StartLearning arms the engine to capture the next control event for the
// given parameter. Only one parameter may be listening at a time; a second
// request is rejected, not queued.
func (e *Engine) StartLearning(parameter string) (<-chan LearnOutcome, error) {
	if _, ok := e.defs[parameter]; !ok {
		return nil, fault.Newf(fault.KindValidationFailed, "control.learn", "unknown parameter %q", parameter)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learn.active {
		return nil, fault.Newf(fault.KindBusy, "control.learn", "already listening for %q", e.learn.parameter)
	}

	e.learn.active = true
	e.learn.parameter = parameter
	e.learn.token++
	e.learn.outcome = make(chan LearnOutcome, 1)
	token := e.learn.token
	e.learn.timer = time.AfterFunc(time.Duration(e.cfg.LearnTimeoutMS)*time.Millisecond, func() {
		e.timeoutLearn(token)
	})
	e.log.Info("learn mode armed", slog.String("parameter", parameter))
	return e.learn.outcome, nil
}

// CancelLearning aborts a pending learn, leaving prior bindings untouched.
func (e *Engine) CancelLearning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.learn.active {
		return
	}
	e.finishLearnLocked(LearnOutcome{Result: LearnCancelled})
}

// Listening reports whether learn mode is armed and for which parameter.
func (e *Engine) Listening() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.learn.active, e.learn.parameter
}

func (e *Engine) timeoutLearn(token int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.learn.active || e.learn.token != token {
		return
	}
	e.finishLearnLocked(LearnOutcome{Result: LearnTimedOut})
	e.log.Info("learn mode timed out")
}

// finishLearnLocked delivers the outcome and disarms. Caller holds e.mu.
func (e *Engine) finishLearnLocked(outcome LearnOutcome) {
	if e.learn.timer != nil {
		e.learn.timer.Stop()
		e.learn.timer = nil
	}
	e.learn.outcome <- outcome
	close(e.learn.outcome)
	e.learn.active = false
	e.learn.parameter = ""
}

// SetBinding installs or replaces a binding directly (the mapping editor
// path, no learn interaction).
func (e *Engine) SetBinding(b Binding) error {
	if b.Channel < 0 || b.Channel > 15 || b.Controller < 0 || b.Controller > 127 {
		return fault.New(fault.KindValidationFailed, "control.bind", "channel or controller out of range")
	}
	if _, ok := e.defs[b.Parameter]; !ok {
		return fault.Newf(fault.KindValidationFailed, "control.bind", "unknown parameter %q", b.Parameter)
	}
	if b.Curve == "" {
		b.Curve = CurveLinear
	}
	switch b.Curve {
	case CurveLinear, CurveLog, CurveExp:
	default:
		return fault.Newf(fault.KindValidationFailed, "control.bind", "unknown curve %q", b.Curve)
	}

	e.mu.Lock()
	e.bindings[b.Key()] = b
	e.mu.Unlock()
	e.persist(b)
	return nil
}

// RemoveBinding deletes the binding for one pair.
func (e *Engine) RemoveBinding(ctx context.Context, channel, controller int) error {
	key := BindingKey(channel, controller)
	e.mu.Lock()
	delete(e.bindings, key)
	e.mu.Unlock()
	if e.kv != nil {
		return e.kv.Delete(ctx, bindingBucket, key)
	}
	return nil
}

// RemoveAll clears the whole binding set.
func (e *Engine) RemoveAll(ctx context.Context) error {
	e.mu.Lock()
	e.bindings = make(map[string]Binding)
	e.mu.Unlock()
	if e.kv != nil {
		return e.kv.DeleteBucket(ctx, bindingBucket)
	}
	return nil
}

// Bindings returns a copy of the current binding set.
func (e *Engine) Bindings() []Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Binding, 0, len(e.bindings))
	for _, b := range e.bindings {
		out = append(out, b)
	}
	return out
}

func (e *Engine) persist(b Binding) {
	if e.kv == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		e.log.Warn("encode binding", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.kv.Save(ctx, bindingBucket, b.Key(), data); err != nil {
		e.log.Warn("persist binding", slog.String("key", b.Key()), slog.String("error", err.Error()))
	}
}
