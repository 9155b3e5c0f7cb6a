package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Oinjenieur/VocalClone/internal/audio"
	"github.com/Oinjenieur/VocalClone/internal/bus"
	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/control"
	"github.com/Oinjenieur/VocalClone/internal/coordinator"
	"github.com/Oinjenieur/VocalClone/internal/identity"
	"github.com/Oinjenieur/VocalClone/internal/kvstore"
	"github.com/Oinjenieur/VocalClone/internal/model"
	"github.com/Oinjenieur/VocalClone/internal/natsserver"
	"github.com/Oinjenieur/VocalClone/internal/params"
	"github.com/Oinjenieur/VocalClone/internal/protocol"
	"github.com/Oinjenieur/VocalClone/internal/synth"
)

// Runtime assembles the engine: embedded bus, persistence, model registry,
// identity store, control engine, coordinator and the HTTP surface. Shutdown
// runs in reverse of startup.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	kv         *kvstore.Store
	registry   *model.Registry
	identities *identity.Store
	control    *control.Engine
	player     *audio.Player
	coord      *coordinator.Coordinator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.stopStack()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	kv, err := kvstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		r.stopStack()
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.kv = kv

	r.registry = model.NewRegistry(r.cfg.Models, r.logger,
		model.DefaultOpener(r.cfg.Models, r.cfg.Audio), r.publishModelState)
	for _, entry := range r.cfg.Models.Catalog {
		desc := synth.ModelDescriptor{
			ID:          entry.ID,
			Family:      entry.Family,
			Location:    entry.Location,
			Name:        entry.Name,
			Languages:   entry.Languages,
			Description: entry.Description,
		}
		if err := r.registry.Register(desc); err != nil {
			r.stopStack()
			return fmt.Errorf("failed to register model %q: %w", entry.ID, err)
		}
	}

	r.identities = identity.NewStore(r.cfg.Identity, r.registry, r.kv, r.logger)

	r.control = control.NewEngine(r.cfg.MIDI, params.Builtin(), r.kv, r.logger)
	if err := r.control.Start(ctx, r.busClient); err != nil {
		r.stopStack()
		return fmt.Errorf("failed to start control engine: %w", err)
	}

	if r.cfg.Audio.ExportDir != "" {
		player, err := r.openPlayer()
		if err != nil {
			r.stopStack()
			return fmt.Errorf("failed to open audio sink: %w", err)
		}
		r.player = player
		r.player.Start()
	}

	r.coord = coordinator.NewCoordinator(ctx, r.cfg, r.busClient, r.kv,
		r.registry, r.identities, r.control, r.player, r.logger)
	if err := r.coord.Start(); err != nil {
		r.stopStack()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("engine started",
		slog.String("addr", addr),
		slog.Int("models", len(r.cfg.Models.Catalog)))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("engine stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopStack()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

// openPlayer attaches the playback loop to a WAV export sink.
func (r *Runtime) openPlayer() (*audio.Player, error) {
	if err := os.MkdirAll(r.cfg.Audio.ExportDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(r.cfg.Audio.ExportDir,
		fmt.Sprintf("render-%d.wav", time.Now().Unix()))
	sink, err := audio.NewWAVSink(path, r.cfg.Audio.SampleRate, r.cfg.Audio.Channels)
	if err != nil {
		return nil, err
	}
	r.logger.Info("audio export sink opened", slog.String("path", path))
	return audio.NewPlayer(r.cfg.Audio, sink, r.logger), nil
}

// stopStack tears the collaborators down in reverse of startup order.
func (r *Runtime) stopStack() {
	if r.coord != nil {
		r.coord.Close()
		r.coord = nil
	}
	if r.player != nil {
		if err := r.player.Close(); err != nil {
			r.logger.Warn("player close error", slog.String("error", err.Error()))
		}
		r.player = nil
	}
	if r.control != nil {
		r.control.Close()
		r.control = nil
	}
	if r.registry != nil {
		for _, info := range r.registry.List() {
			if info.State == model.StateReady {
				if err := r.registry.Unload(info.Descriptor.ID); err != nil {
					r.logger.Warn("model unload on shutdown failed",
						slog.String("model", info.Descriptor.ID), slog.String("error", err.Error()))
				}
			}
		}
		r.registry = nil
	}
	if r.kv != nil {
		if err := r.kv.Close(); err != nil {
			r.logger.Warn("store close error", slog.String("error", err.Error()))
		}
		r.kv = nil
	}
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

// publishModelState mirrors registry transitions onto the bus.
func (r *Runtime) publishModelState(id string, state model.State, reason string) {
	if r.busClient == nil {
		return
	}
	packet := protocol.ModelState{ModelID: id, State: string(state), Reason: reason, At: time.Now().UTC()}
	data, err := json.Marshal(packet)
	if err != nil {
		return
	}
	if err := r.busClient.Conn().Publish(protocol.SubjectModelState, data); err != nil {
		r.logger.Warn("failed to publish model state", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busClient != nil && r.busClient.Healthy() && r.coord != nil && r.coord.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}