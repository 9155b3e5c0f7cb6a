package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Oinjenieur/VocalClone/internal/config"
	"github.com/Oinjenieur/VocalClone/internal/fault"
	"github.com/Oinjenieur/VocalClone/internal/kvstore"
	"github.com/Oinjenieur/VocalClone/internal/model"
	"github.com/Oinjenieur/VocalClone/internal/synth"
)

const bucket = "identities"

// SpeakerIdentity is a derived, immutable voice embedding plus provenance.
type SpeakerIdentity struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Embedding      []float32 `json:"embedding"`
	SourceModel    string    `json:"source_model"`
	SampleDuration float64   `json:"sample_duration_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store derives speaker identities from recorded samples and persists them
// under user-chosen names.
type Store struct {
	cfg      config.IdentityConfig
	registry *model.Registry
	kv       *kvstore.Store
	log      *slog.Logger
	clock    func() time.Time
}

func NewStore(cfg config.IdentityConfig, registry *model.Registry, kv *kvstore.Store, log *slog.Logger) *Store {
	return &Store{
		cfg:      cfg,
		registry: registry,
		kv:       kv,
		log:      log.With(slog.String("component", "identity-store")),
		clock:    time.Now,
	}
}

// Derive extracts a speaker embedding from a sample using a Ready model.
// Samples outside the declared duration bounds are rejected; derivation for
// identical sample bytes and model is deterministic.
func (s *Store) Derive(ctx context.Context, sample synth.Sample, modelID string) (SpeakerIdentity, error) {
	seconds := sample.Duration().Seconds()
	if seconds < s.cfg.MinSampleSeconds {
		return SpeakerIdentity{}, fault.Newf(fault.KindValidationFailed, "identity.derive",
			"sample too short: %.2fs, minimum %.2fs", seconds, s.cfg.MinSampleSeconds)
	}
	if seconds > s.cfg.MaxSampleSeconds {
		return SpeakerIdentity{}, fault.Newf(fault.KindValidationFailed, "identity.derive",
			"sample too long: %.2fs, maximum %.2fs", seconds, s.cfg.MaxSampleSeconds)
	}

	handle, err := s.registry.Acquire(modelID)
	if err != nil {
		return SpeakerIdentity{}, err
	}
	defer handle.Release()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.DeriveTimeoutMS)*time.Millisecond)
	defer cancel()

	embedding, err := handle.Backend().Embed(ctx, sample)
	if err != nil {
		return SpeakerIdentity{}, fault.Wrap(fault.KindResourceUnavailable, "identity.derive", err)
	}
	if len(embedding) != synth.EmbeddingSize {
		return SpeakerIdentity{}, fault.Newf(fault.KindResourceUnavailable, "identity.derive",
			"backend returned %d embedding values, want %d", len(embedding), synth.EmbeddingSize)
	}

	id := SpeakerIdentity{
		ID:             uuid.NewString(),
		Embedding:      embedding,
		SourceModel:    modelID,
		SampleDuration: seconds,
		CreatedAt:      s.clock().UTC(),
	}
	s.log.Info("identity derived",
		slog.String("model", modelID),
		slog.Float64("sample_seconds", seconds))
	return id, nil
}

// SaveAs persists an identity under a name. An existing name is a conflict
// unless the caller explicitly confirmed the overwrite.
func (s *Store) SaveAs(ctx context.Context, name string, id SpeakerIdentity, overwrite bool) error {
	if name == "" {
		return fault.New(fault.KindValidationFailed, "identity.save", "name must not be empty")
	}
	if !overwrite {
		_, err := s.kv.Load(ctx, bucket, name)
		if err == nil {
			return fault.Newf(fault.KindValidationFailed, "identity.save", "identity %q already exists", name)
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			return fmt.Errorf("check identity %q: %w", name, err)
		}
	}
	id.Name = name
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := s.kv.Save(ctx, bucket, name, data); err != nil {
		return fmt.Errorf("persist identity %q: %w", name, err)
	}
	s.log.Info("identity saved", slog.String("name", name))
	return nil
}

// Get loads a named identity.
func (s *Store) Get(ctx context.Context, name string) (SpeakerIdentity, error) {
	data, err := s.kv.Load(ctx, bucket, name)
	if errors.Is(err, kvstore.ErrNotFound) {
		return SpeakerIdentity{}, fault.Newf(fault.KindValidationFailed, "identity.get", "unknown identity %q", name)
	}
	if err != nil {
		return SpeakerIdentity{}, err
	}
	var id SpeakerIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return SpeakerIdentity{}, fmt.Errorf("decode identity %q: %w", name, err)
	}
	return id, nil
}

// ListNames returns the saved identity names.
func (s *Store) ListNames(ctx context.Context) ([]string, error) {
	all, err := s.kv.List(ctx, bucket)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	return names, nil
}

// Delete removes one named identity.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.kv.Delete(ctx, bucket, name)
}
