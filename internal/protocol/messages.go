package protocol

import "time"

// ControlChange is one inbound MIDI control-change message. The device
// lifecycle lives in the shell; the engine only sees the decoded events.
type ControlChange struct {
	Channel    int       `json:"channel"`    // 0-15
	Controller int       `json:"controller"` // 0-127
	Value      int       `json:"value"`      // 0-127
	At         time.Time `json:"at"`
}

// AudioChunk is one streamed block of synthesized audio.
type AudioChunk struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Timestamp  time.Time `json:"timestamp"`
	Final      bool      `json:"final"`
}

// SessionEvent carries session lifecycle transitions and warnings.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // state, warning, gap
	Detail    string    `json:"detail,omitempty"`
	Kind      string    `json:"kind,omitempty"` // fault kind for warnings
	Sequence  int       `json:"sequence,omitempty"`
	At        time.Time `json:"at"`
}

// StartRequest asks the coordinator to begin a synthesis session.
type StartRequest struct {
	ModelID  string             `json:"model_id"`
	Identity string             `json:"identity"`
	Text     string             `json:"text"`
	Params   map[string]float64 `json:"params,omitempty"`
}

// StartReply answers a StartRequest.
type StartReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// ParamsUpdate is a partial parameter merge for a running session.
type ParamsUpdate struct {
	Values map[string]float64 `json:"values"`
}

// ModelState announces a registry state transition.
type ModelState struct {
	ModelID string    `json:"model_id"`
	State   string    `json:"state"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

const (
	SubjectControlChange      = "midi.cc"
	SubjectSessionStart       = "synth.session.start"
	SubjectSessionCancelPfx   = "synth.session.cancel." // + session id
	SubjectParamsUpdatePfx    = "synth.params.update."  // + session id
	SubjectChunkPrefix        = "synth.chunk."          // + session id
	SubjectMonitor            = "synth.monitor"
	SubjectSessionEventPrefix = "synth.event." // + session id
	SubjectModelState         = "model.state"
)
