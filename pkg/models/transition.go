package models

import (
	"encoding/json"
	"time"
)

// Transition payload kinds. The data blob stays schemaless JSON for forward
// compatibility; these kinds name the schema each blob is expected to follow.
const (
	TransitionKindOriginate   = "originate"
	TransitionKindCarrier     = "carrier_event"
	TransitionKindExpectation = "expectation"
	TransitionKindDigits      = "digits"
	TransitionKindScript      = "script"
	TransitionKindSLO         = "slo_violation"
	TransitionKindClose       = "close"
	TransitionKindError       = "error"
)

// CallTransition is one append-only entry in a call's state log.
// (call_sid, seq) is the identity; seq is dense 1..N per call.
type CallTransition struct {
	CallSID   string          `json:"call_sid"`
	Seq       int             `json:"seq"`
	State     CallStatus      `json:"state"`
	Kind      string          `json:"kind,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"ts"`
}

// TranscriptSpeaker identifies who produced a transcript entry.
type TranscriptSpeaker string

const (
	SpeakerUser TranscriptSpeaker = "user"
	SpeakerAI   TranscriptSpeaker = "ai"
)

// TranscriptEntry is one line of a call transcript. Partial (streaming STT)
// and final entries share the table and are distinguished by Final.
type TranscriptEntry struct {
	CallSID          string            `json:"call_sid"`
	Seq              int               `json:"seq"`
	Speaker          TranscriptSpeaker `json:"speaker"`
	Message          string            `json:"message"`
	Final            bool              `json:"final"`
	InteractionCount int               `json:"interaction_count"`
	Personality      string            `json:"personality,omitempty"`
	Confidence       float64           `json:"confidence,omitempty"`
	CreatedAt        time.Time         `json:"ts"`
}
