package control

import (
	"fmt"
	"math"
)

// Curve shapes how a raw controller value maps into a parameter range.
type Curve string

const (
	// CurveLinear interpolates directly.
	CurveLinear Curve = "linear"
	// CurveLog gives more resolution at the low end of the range.
	CurveLog Curve = "log"
	// CurveExp gives more resolution at the high end of the range.
	CurveExp Curve = "exp"
)

const midiMax = 127

// Binding maps one (channel, controller) pair to a synthesis parameter.
// Bindings are unique per pair; writing a pair again replaces the old one.
type Binding struct {
	Channel    int     `json:"channel"`
	Controller int     `json:"controller"`
	Parameter  string  `json:"parameter"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Curve      Curve   `json:"curve"`
	Enabled    bool    `json:"enabled"`
}

// Key identifies the binding's controller pair.
func (b Binding) Key() string {
	return BindingKey(b.Channel, b.Controller)
}

// BindingKey builds the storage key for a (channel, controller) pair.
func BindingKey(channel, controller int) string {
	return fmt.Sprintf("cc-%d-%d", channel, controller)
}

// Transform maps a raw controller value (0-127) into the target parameter's
// range through the configured curve.
func (b Binding) Transform(raw int) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > midiMax {
		raw = midiMax
	}
	normalized := float64(raw) / midiMax

	switch b.Curve {
	case CurveLog:
		normalized = math.Sqrt(normalized)
	case CurveExp:
		normalized = normalized * normalized
	}
	return b.Min + (b.Max-b.Min)*normalized
}
