package coordinator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/control"
	"github.com/Oinjenieur/VocalClone/internal/fault"
	"github.com/Oinjenieur/VocalClone/internal/identity"
	"github.com/Oinjenieur/VocalClone/internal/kvstore"
	"github.com/Oinjenieur/VocalClone/internal/model"
	"github.com/Oinjenieur/VocalClone/internal/params"
	"github.com/Oinjenieur/VocalClone/internal/pipeline"
	"github.com/Oinjenieur/VocalClone/internal/protocol"
	"github.com/Oinjenieur/VocalClone/internal/synth"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Synthesis.UnitTimeoutMS = 2000
	cfg.Synthesis.MinUnitRunes = 4
	cfg.Models.LoadTimeoutMS = 2000
	return cfg
}

// gateBackend renders trivially but holds each unit until released, so tests
// control when a session makes progress.
type gateBackend struct {
	release chan struct{}
}

func (b *gateBackend) Family() synth.Family { return synth.FamilyOpenVoice }

func (b *gateBackend) Embed(context.Context, synth.Sample) ([]float32, error) {
	return make([]float32, synth.EmbeddingSize), nil
}

func (b *gateBackend) RenderUnit(ctx context.Context, req synth.UnitRequest) (synth.UnitAudio, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return synth.UnitAudio{}, ctx.Err()
	}
	return synth.UnitAudio{PCM: make([]byte, 512)}, nil
}

func (b *gateBackend) Close() error { return nil }

type harness struct {
	cfg        config.Config
	kv         *kvstore.Store
	registry   *model.Registry
	identities *identity.Store
	ctrl       *control.Engine
	coord      *Coordinator
}

func newHarness(t *testing.T, cfg config.Config, opener model.Opener) *harness {
	t.Helper()
	log := newLogger()
	kv, err := kvstore.Open(context.Background(),
		config.StoreConfig{Path: filepath.Join(t.TempDir(), "vocal.db")}, log)
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	if opener == nil {
		opener = model.DefaultOpener(cfg.Models, cfg.Audio)
	}
	registry := model.NewRegistry(cfg.Models, log, opener, nil)
	identities := identity.NewStore(cfg.Identity, registry, kv, log)
	ctrl := control.NewEngine(cfg.MIDI, params.Builtin(), nil, log)
	coord := NewCoordinator(context.Background(), cfg, nil, kv, registry, identities, ctrl, nil, log)
	t.Cleanup(coord.Close)
	return &harness{cfg: cfg, kv: kv, registry: registry, identities: identities, ctrl: ctrl, coord: coord}
}

// registerSpeaker loads the model, derives an identity from a synthetic 5s
// sample and saves it under the given name.
func (h *harness) registerSpeaker(t *testing.T, modelID, name string) {
	t.Helper()
	ctx := context.Background()
	if err := h.registry.Register(synth.ModelDescriptor{ID: modelID, Family: "openvoice", Location: "mem://" + modelID}); err != nil {
		t.Fatalf("register model: %v", err)
	}
	if err := h.registry.Load(modelID); err != nil {
		t.Fatalf("load model: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.registry.WaitFor(waitCtx, modelID, model.StateReady); err != nil {
		t.Fatalf("wait ready: %v", err)
	}

	sample := synth.Sample{PCM: make([]int16, 5*h.cfg.Audio.SampleRate), SampleRate: h.cfg.Audio.SampleRate}
	speaker, err := h.identities.Derive(ctx, sample, modelID)
	if err != nil {
		t.Fatalf("derive identity: %v", err)
	}
	if err := h.identities.SaveAs(ctx, name, speaker, false); err != nil {
		t.Fatalf("save identity: %v", err)
	}
}

func waitDone(t *testing.T, session *pipeline.Session) {
	t.Helper()
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

// waitIdle waits until the coordinator's pump has torn the session down.
func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Active() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("coordinator never returned to idle")
}

func TestStartSessionStreamsOrderedChunksAndPersistsEvents(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.registerSpeaker(t, "m1", "alice")

	tap, cancelTap := h.coord.Monitor(256)
	defer cancelTap()

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID:  "m1",
		Identity: "alice",
		Text:     "The first sentence. And then a second one! Finally a third?",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, session)

	if got := session.State(); got != pipeline.StateCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	var chunks []protocol.AudioChunk
drain:
	for {
		select {
		case chunk := <-tap:
			chunks = append(chunks, chunk)
			if chunk.Final {
				break drain
			}
		case <-time.After(2 * time.Second):
			t.Fatal("monitor tap never saw the final chunk")
		}
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks observed")
	}
	for i, chunk := range chunks {
		if chunk.Sequence != i {
			t.Fatalf("chunk %d has sequence %d, want contiguous", i, chunk.Sequence)
		}
		if chunk.SessionID != session.ID() {
			t.Fatalf("chunk carries session %q", chunk.SessionID)
		}
	}
	if !chunks[len(chunks)-1].Final {
		t.Fatal("last chunk must be final")
	}

	waitIdle(t, h.coord)
	events, err := h.kv.ListSessionEvents(context.Background(), session.ID(), 0)
	if err != nil {
		t.Fatalf("list session events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected persisted session events")
	}

	// The reference is back; the model can be unloaded.
	if err := h.registry.Unload("m1"); err != nil {
		t.Fatalf("unload after completion: %v", err)
	}
}

func TestSecondSessionRejectedBusy(t *testing.T) {
	backend := &gateBackend{release: make(chan struct{})}
	opener := func(context.Context, synth.ModelDescriptor) (synth.Backend, error) {
		return backend, nil
	}
	h := newHarness(t, testConfig(), opener)
	h.registerSpeaker(t, "m1", "alice")

	first, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "A single blocked sentence.",
	})
	if err != nil {
		t.Fatalf("start first session: %v", err)
	}

	_, err = h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "Another request.",
	})
	if fault.KindOf(err) != fault.KindBusy {
		t.Fatalf("expected busy, got %v", err)
	}

	close(backend.release)
	waitDone(t, first)

	// After the first terminates a new session is accepted.
	second, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "Another request.",
	})
	if err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	waitDone(t, second)
}

// Competing starts race through the slow setup path (identity load, model
// residency, reference acquisition); only one may claim the slot.
func TestConcurrentStartsAdmitExactlyOneSession(t *testing.T) {
	backend := &gateBackend{release: make(chan struct{})}
	var opens atomic.Int32
	opener := func(context.Context, synth.ModelDescriptor) (synth.Backend, error) {
		// The first open backs speaker registration; the reload the
		// contested starts trigger is slow, widening the setup window.
		if opens.Add(1) > 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return backend, nil
	}
	h := newHarness(t, testConfig(), opener)
	h.registerSpeaker(t, "m1", "alice")
	if err := h.registry.Unload("m1"); err != nil {
		t.Fatalf("unload before contest: %v", err)
	}

	const contenders = 8
	var wg sync.WaitGroup
	var admitted, busy atomic.Int32
	winners := make(chan *pipeline.Session, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
				ModelID: "m1", Identity: "alice", Text: "A contested sentence.",
			})
			switch {
			case err == nil:
				admitted.Add(1)
				winners <- session
			case fault.KindOf(err) == fault.KindBusy:
				busy.Add(1)
			default:
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Fatalf("admitted %d sessions, want exactly 1", got)
	}
	if got := busy.Load(); got != contenders-1 {
		t.Fatalf("got %d busy rejections, want %d", got, contenders-1)
	}
	close(backend.release)
	waitDone(t, <-winners)
}

// A finished session's pump can run its teardown after a successor has
// already started. That teardown must not strip the successor's control
// wiring; a bound controller keeps driving the new session.
func TestLateTeardownKeepsSuccessorControlWiring(t *testing.T) {
	backend := &gateBackend{release: make(chan struct{}, 2)}
	opener := func(context.Context, synth.ModelDescriptor) (synth.Backend, error) {
		return backend, nil
	}
	h := newHarness(t, testConfig(), opener)
	h.registerSpeaker(t, "m1", "alice")

	if err := h.ctrl.SetBinding(control.Binding{
		Channel: 0, Controller: 7, Parameter: "volume", Min: 0, Max: 2,
		Curve: control.CurveLinear, Enabled: true,
	}); err != nil {
		t.Fatalf("set binding: %v", err)
	}

	first, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "The first utterance.",
	})
	if err != nil {
		t.Fatalf("start first session: %v", err)
	}
	backend.release <- struct{}{}
	waitDone(t, first)
	waitIdle(t, h.coord)

	second, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "The second utterance.",
	})
	if err != nil {
		t.Fatalf("start second session: %v", err)
	}
	// The predecessor's teardown lands only now, after the successor is
	// wired. It owns nothing anymore and must leave the wiring alone.
	h.coord.teardown(first)

	h.ctrl.HandleControlEvent(protocol.ControlChange{Channel: 0, Controller: 7, Value: 127, At: time.Now()})
	values, _ := second.Params().Snapshot()
	if values["volume"] != 2 {
		t.Fatalf("volume = %v, want 2 from the bound controller", values["volume"])
	}

	backend.release <- struct{}{}
	waitDone(t, second)
}

func TestCancelSessionStopsAtUnitBoundary(t *testing.T) {
	backend := &gateBackend{release: make(chan struct{})}
	opener := func(context.Context, synth.ModelDescriptor) (synth.Backend, error) {
		return backend, nil
	}
	h := newHarness(t, testConfig(), opener)
	h.registerSpeaker(t, "m1", "alice")

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "One sentence here. Two sentences here. Three sentences here.",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := h.coord.CancelSession(session.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(backend.release)
	waitDone(t, session)

	if got := session.State(); got != pipeline.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	waitIdle(t, h.coord)
	if err := h.coord.CancelSession(session.ID()); fault.KindOf(err) != fault.KindResourceUnavailable {
		t.Fatalf("cancel after teardown should miss, got %v", err)
	}
}

func TestUpdateParamsClampsInsteadOfRejecting(t *testing.T) {
	backend := &gateBackend{release: make(chan struct{})}
	opener := func(context.Context, synth.ModelDescriptor) (synth.Backend, error) {
		return backend, nil
	}
	h := newHarness(t, testConfig(), opener)
	h.registerSpeaker(t, "m1", "alice")

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice", Text: "A blocked sentence.",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	if err := h.coord.UpdateParams(session.ID(), map[string]float64{"pitch": 99}); err != nil {
		t.Fatalf("out-of-range update must clamp, not fail: %v", err)
	}
	values, _ := session.Params().Snapshot()
	if values["pitch"] != 12 {
		t.Fatalf("expected pitch clamped to 12, got %v", values["pitch"])
	}

	if err := h.coord.UpdateParams("nope", map[string]float64{"pitch": 1}); fault.KindOf(err) != fault.KindResourceUnavailable {
		t.Fatalf("unknown session should miss, got %v", err)
	}

	close(backend.release)
	waitDone(t, session)
}

func TestStartParamsAppliedAndClamped(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.registerSpeaker(t, "m1", "alice")

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID:  "m1",
		Identity: "alice",
		Text:     "Short request here.",
		Params:   map[string]float64{"rate": 5.0, "volume": 0.5},
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	values, _ := session.Params().Snapshot()
	if values["rate"] != 2.0 {
		t.Fatalf("expected rate clamped to 2.0, got %v", values["rate"])
	}
	if values["volume"] != 0.5 {
		t.Fatalf("expected volume 0.5, got %v", values["volume"])
	}
	waitDone(t, session)
}

func TestStartSessionValidation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.registerSpeaker(t, "m1", "alice")

	if _, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice",
	}); fault.KindOf(err) != fault.KindValidationFailed {
		t.Fatalf("empty text should fail validation, got %v", err)
	}
	if _, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "nobody", Text: "Hello there friend.",
	}); fault.KindOf(err) != fault.KindValidationFailed {
		t.Fatalf("unknown identity should fail validation, got %v", err)
	}
	if _, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "ghost", Identity: "alice", Text: "Hello there friend.",
	}); fault.KindOf(err) != fault.KindResourceUnavailable {
		t.Fatalf("unknown model should be unavailable, got %v", err)
	}
}

func TestEnsureResidentEvictsIdleModel(t *testing.T) {
	cfg := testConfig()
	cfg.Models.MaxResident = 1
	h := newHarness(t, cfg, nil)
	h.registerSpeaker(t, "m1", "alice")

	if err := h.registry.Register(synth.ModelDescriptor{ID: "m2", Family: "bark", Location: "mem://m2"}); err != nil {
		t.Fatalf("register m2: %v", err)
	}

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m2", Identity: "alice", Text: "Render on the second model.",
	})
	if err != nil {
		t.Fatalf("start session on m2: %v", err)
	}
	waitDone(t, session)

	m1, err := h.registry.Describe("m1")
	if err != nil {
		t.Fatalf("describe m1: %v", err)
	}
	if m1.State != model.StateUnloaded {
		t.Fatalf("expected m1 evicted, got %s", m1.State)
	}
	m2, err := h.registry.Describe("m2")
	if err != nil {
		t.Fatalf("describe m2: %v", err)
	}
	if m2.State != model.StateReady {
		t.Fatalf("expected m2 ready, got %s", m2.State)
	}
}

func TestMonitorTapDropsUnderBackpressure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.registerSpeaker(t, "m1", "alice")

	// One-slot tap with no consumer: everything past the first chunk drops.
	_, cancelTap := h.coord.Monitor(1)
	defer cancelTap()

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID:  "m1",
		Identity: "alice",
		Text:     "A reasonably long first sentence for the renderer. And a second sentence to produce more chunks. Then even more text follows here.",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitDone(t, session)
	waitIdle(t, h.coord)

	if h.coord.monitorDrops.Load() == 0 {
		t.Fatal("expected dropped chunks on the saturated tap")
	}
}

func TestMonitorCancelIsIdempotentWithActiveStream(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	tap, cancelTap := h.coord.Monitor(4)
	cancelTap()
	cancelTap()
	if _, ok := <-tap; ok {
		t.Fatal("cancelled tap must be closed")
	}
}

// raceParams exercises concurrent parameter writes against a rendering
// session; the render path only ever reads snapshots.
func TestConcurrentParamUpdatesDuringRender(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.registerSpeaker(t, "m1", "alice")

	session, err := h.coord.StartSession(context.Background(), protocol.StartRequest{
		ModelID: "m1", Identity: "alice",
		Text: "First part of the text. Second part of the text. Third part of the text.",
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for v := 0; v < 50; v++ {
				_ = h.coord.UpdateParams(session.ID(), map[string]float64{"pitch": float64(v % 12)})
			}
		}(i)
	}
	wg.Wait()
	waitDone(t, session)

	if got := session.State(); got != pipeline.StateCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}
