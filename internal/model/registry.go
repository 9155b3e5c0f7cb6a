package model

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/fault"
	"github.com/Oinjenieur/VocalClone/internal/synth"
)

// State is the load state of a registered voice model.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
)

// Info describes one registered model.
type Info struct {
	Descriptor synth.ModelDescriptor
	State      State
	Reason     string
	Refs       int
}

// Opener turns a descriptor into a live backend. Loading may take seconds;
// the registry runs it off the caller's goroutine.
type Opener func(ctx context.Context, desc synth.ModelDescriptor) (synth.Backend, error)

// StateFunc observes registry state transitions (bus publishing, tests).
type StateFunc func(id string, state State, reason string)

type entry struct {
	desc     synth.ModelDescriptor
	state    State
	reason   string
	backend  synth.Backend
	refs     int
	watchers map[int]chan State
	nextID   int
}

// Registry tracks voice models and their load state. Loads are asynchronous
// and joined per model id; a model is never unloaded while a session holds a
// reference to it.
type Registry struct {
	cfg     config.ModelsConfig
	log     *slog.Logger
	opener  Opener
	onState StateFunc

	mu      sync.Mutex
	entries map[string]*entry

	meter metric.Meter
}

// NewRegistry builds a registry. onState may be nil.
func NewRegistry(cfg config.ModelsConfig, log *slog.Logger, opener Opener, onState StateFunc) *Registry {
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "model-registry")),
		opener:  opener,
		onState: onState,
		entries: make(map[string]*entry),
		meter:   otel.Meter("github.com/Oinjenieur/VocalClone/engine"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// DefaultOpener constructs backends through synth.Open with the configured
// mode and audio format.
func DefaultOpener(cfg config.ModelsConfig, audio config.AudioConfig) Opener {
	return func(_ context.Context, desc synth.ModelDescriptor) (synth.Backend, error) {
		return synth.Open(desc, synth.Options{
			Mode:       cfg.Mode,
			Command:    cfg.Command,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
		})
	}
}

// Register makes a model descriptor known to the registry. Re-registering an
// id is only allowed while the model is not loaded.
func (r *Registry) Register(desc synth.ModelDescriptor) error {
	if desc.ID == "" {
		return fault.New(fault.KindValidationFailed, "model.register", "descriptor without id")
	}
	if _, err := synth.ParseFamily(desc.Family); err != nil {
		return fault.Wrap(fault.KindValidationFailed, "model.register", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[desc.ID]; ok {
		if e.state != StateUnloaded && e.state != StateFailed {
			return fault.Newf(fault.KindBusy, "model.register", "model %q is %s", desc.ID, e.state)
		}
		e.desc = desc
		return nil
	}
	r.entries[desc.ID] = &entry{desc: desc, state: StateUnloaded, watchers: make(map[int]chan State)}
	return nil
}

// Load starts an asynchronous load and returns immediately. A load already in
// flight for the same id is joined, not duplicated. Callers observe the
// outcome through Watch or WaitFor.
func (r *Registry) Load(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindResourceUnavailable, "model.load", "unknown model %q", id)
	}
	switch e.state {
	case StateReady, StateLoading:
		// Joined: the in-flight or completed load serves this caller too.
		r.mu.Unlock()
		return nil
	}
	e.state = StateLoading
	e.reason = ""
	desc := e.desc
	r.mu.Unlock()

	r.notify(id, StateLoading, "")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.LoadTimeoutMS)*time.Millisecond)
		defer cancel()

		backend, err := r.opener(ctx, desc)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
			if backend != nil {
				backend.Close()
			}
		}

		r.mu.Lock()
		if err != nil {
			e.state = StateFailed
			e.reason = err.Error()
			r.mu.Unlock()
			r.log.Warn("model load failed", slog.String("model", id), slog.String("error", err.Error()))
			r.notify(id, StateFailed, err.Error())
			return
		}
		e.state = StateReady
		e.backend = backend
		r.mu.Unlock()
		r.log.Info("model ready", slog.String("model", id))
		r.notify(id, StateReady, "")
	}()
	return nil
}

// Unload releases a Ready model. It fails with Busy while any session holds a
// reference; callers retry after session completion.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fault.Newf(fault.KindResourceUnavailable, "model.unload", "unknown model %q", id)
	}
	if e.refs > 0 {
		refs := e.refs
		r.mu.Unlock()
		return fault.Newf(fault.KindBusy, "model.unload", "model %q referenced by %d session(s)", id, refs)
	}
	if e.state == StateLoading {
		r.mu.Unlock()
		return fault.Newf(fault.KindBusy, "model.unload", "model %q load in flight", id)
	}
	backend := e.backend
	e.backend = nil
	e.state = StateUnloaded
	e.reason = ""
	r.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	r.log.Info("model unloaded", slog.String("model", id))
	r.notify(id, StateUnloaded, "")
	return nil
}

// Fail marks a model unusable (backend observed dead). Sessions watching the
// model treat this as a fatal condition.
func (r *Registry) Fail(id, reason string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	backend := e.backend
	e.backend = nil
	e.state = StateFailed
	e.reason = reason
	r.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	r.log.Warn("model failed", slog.String("model", id), slog.String("reason", reason))
	r.notify(id, StateFailed, reason)
}

// Describe returns one model's metadata and state.
func (r *Registry) Describe(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Info{}, fault.Newf(fault.KindResourceUnavailable, "model.describe", "unknown model %q", id)
	}
	return Info{Descriptor: e.desc, State: e.state, Reason: e.reason, Refs: e.refs}, nil
}

// List returns every known model.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, Info{Descriptor: e.desc, State: e.state, Reason: e.reason, Refs: e.refs})
	}
	return infos
}

// Handle is a counted reference to a Ready model's backend.
type Handle struct {
	registry *Registry
	id       string
	backend  synth.Backend
	release  sync.Once
}

// ID returns the referenced model id.
func (h *Handle) ID() string { return h.id }

// Backend returns the live backend. Valid until Release.
func (h *Handle) Backend() synth.Backend { return h.backend }

// Release decrements the reference count. Safe to call more than once; only
// the first call counts.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.registry.mu.Lock()
		if e, ok := h.registry.entries[h.id]; ok && e.refs > 0 {
			e.refs--
		}
		h.registry.mu.Unlock()
	})
}

// Acquire takes a reference on a Ready model. The model cannot be unloaded
// until every handle is released.
func (r *Registry) Acquire(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fault.Newf(fault.KindResourceUnavailable, "model.acquire", "unknown model %q", id)
	}
	if e.state != StateReady || e.backend == nil {
		return nil, fault.Newf(fault.KindResourceUnavailable, "model.acquire", "model %q is %s", id, e.state)
	}
	e.refs++
	return &Handle{registry: r, id: id, backend: e.backend}, nil
}

// Watch subscribes to state transitions of one model. The channel is buffered
// and never blocks the registry; cancel removes the subscription.
func (r *Registry) Watch(id string) (<-chan State, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, nil, fault.Newf(fault.KindResourceUnavailable, "model.watch", "unknown model %q", id)
	}
	ch := make(chan State, 8)
	wid := e.nextID
	e.nextID++
	e.watchers[wid] = ch
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.entries[id]; ok {
			delete(cur.watchers, wid)
		}
	}
	return ch, cancel, nil
}

// WaitFor blocks until the model reaches target (or a terminal divergence:
// waiting for Ready ends early on Failed), bounded by ctx.
func (r *Registry) WaitFor(ctx context.Context, id string, target State) error {
	ch, cancel, err := r.Watch(id)
	if err != nil {
		return err
	}
	defer cancel()

	check := func() (done bool, err error) {
		info, derr := r.Describe(id)
		if derr != nil {
			return false, derr
		}
		if info.State == target {
			return true, nil
		}
		if target == StateReady && info.State == StateFailed {
			return false, fault.Newf(fault.KindResourceUnavailable, "model.wait", "model %q failed: %s", id, info.Reason)
		}
		return false, nil
	}

	if done, err := check(); done || err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindResourceUnavailable, "model.wait", ctx.Err())
		case <-ch:
			if done, err := check(); done || err != nil {
				return err
			}
		}
	}
}

// IdleReady returns ids of Ready models with no references, candidates for
// eviction under resident-memory pressure.
func (r *Registry) IdleReady() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.entries {
		if e.state == StateReady && e.refs == 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// ResidentCount reports how many models currently hold backend resources.
func (r *Registry) ResidentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state == StateReady || e.state == StateLoading {
			n++
		}
	}
	return n
}

func (r *Registry) notify(id string, state State, reason string) {
	r.mu.Lock()
	var targets []chan State
	if e, ok := r.entries[id]; ok {
		for _, ch := range e.watchers {
			targets = append(targets, ch)
		}
	}
	r.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- state:
		default:
			// Watcher lagging; it will re-check on its next wakeup.
		}
	}
	if r.onState != nil {
		r.onState(id, state, reason)
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	ready, err := r.meter.Int64ObservableGauge("vocal.models.ready", metric.WithDescription("Models currently loaded and ready"))
	if err != nil {
		return err
	}
	refs, err := r.meter.Int64ObservableGauge("vocal.models.references", metric.WithDescription("Session references across all models"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		readyCount, refCount := r.snapshotCounts()
		obs.ObserveInt64(ready, readyCount)
		obs.ObserveInt64(refs, refCount)
		return nil
	}, ready, refs)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var readyCount, refCount int64
	for _, e := range r.entries {
		if e.state == StateReady {
			readyCount++
		}
		refCount += int64(e.refs)
	}
	return readyCount, refCount
}
