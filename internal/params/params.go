package params

import (
	"fmt"
	"sync"

	"github.com/Oinjenieur/VocalClone/internal/fault"
)

// Definition declares one synthesis parameter with its valid range.
type Definition struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

// Builtin returns the engine's core parameter set. Pitch is in semitones,
// rate is a playback multiplier, the rest are normalized gains.
func Builtin() []Definition {
	return []Definition{
		{Name: "pitch", Min: -12, Max: 12, Default: 0},
		{Name: "rate", Min: 0.5, Max: 2.0, Default: 1.0},
		{Name: "energy", Min: 0, Max: 1, Default: 1.0},
		{Name: "volume", Min: 0, Max: 2, Default: 1.0},
		{Name: "modulation", Min: 0, Max: 1, Default: 0},
	}
}

// Holder is the single point of contact between the control side (writer) and
// the render side (reader). Writers mutate under a short critical section;
// readers only ever take a snapshot copy, so the render path never holds a
// lock across a unit render.
type Holder struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	values   map[string]float64
	revision uint64
}

// NewHolder builds a holder from definitions, all values at their defaults.
func NewHolder(defs []Definition) (*Holder, error) {
	h := &Holder{
		defs:   make(map[string]Definition, len(defs)),
		values: make(map[string]float64, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("parameter definition without name")
		}
		if def.Min >= def.Max {
			return nil, fmt.Errorf("parameter %q: min %v must be below max %v", def.Name, def.Min, def.Max)
		}
		if def.Default < def.Min || def.Default > def.Max {
			return nil, fmt.Errorf("parameter %q: default %v outside [%v, %v]", def.Name, def.Default, def.Min, def.Max)
		}
		if _, dup := h.defs[def.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", def.Name)
		}
		h.defs[def.Name] = def
		h.values[def.Name] = def.Default
	}
	return h, nil
}

// Definitions returns the declared parameters.
func (h *Holder) Definitions() []Definition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]Definition, 0, len(h.defs))
	for _, def := range h.defs {
		defs = append(defs, def)
	}
	return defs
}

// Set applies one value. Out-of-range input is clamped to the declared range
// and reported via clamped=true; it is never rejected. Unknown names fail
// validation. Every applied write bumps the revision.
func (h *Holder) Set(name string, value float64) (applied float64, clamped bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	def, ok := h.defs[name]
	if !ok {
		return 0, false, fault.Newf(fault.KindValidationFailed, "params.set", "unknown parameter %q", name)
	}
	applied = value
	if applied < def.Min {
		applied = def.Min
		clamped = true
	}
	if applied > def.Max {
		applied = def.Max
		clamped = true
	}
	h.values[name] = applied
	h.revision++
	return applied, clamped, nil
}

// Snapshot copies the current values together with the revision they belong
// to. A render unit reads exactly one snapshot when it starts.
func (h *Holder) Snapshot() (map[string]float64, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	values := make(map[string]float64, len(h.values))
	for k, v := range h.values {
		values[k] = v
	}
	return values, h.revision
}

// Revision reports the current write counter.
func (h *Holder) Revision() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.revision
}

// Get returns one current value.
func (h *Holder) Get(name string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[name]
	return v, ok
}

// Reset restores every parameter to its default and bumps the revision once.
func (h *Holder) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, def := range h.defs {
		h.values[name] = def.Default
	}
	h.revision++
}
