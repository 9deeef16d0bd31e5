package events

import (
	"encoding/json"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// CallStatusPayload is the `data` blob of call.status events.
// Published for every appended call state transition.
type CallStatusPayload struct {
	CallSID   string            `json:"call_sid"`
	Seq       int               `json:"seq"`    // dense per-call transition sequence
	Status    models.CallStatus `json:"status"` // state after the transition
	Kind      string            `json:"kind,omitempty"`
	Reason    string            `json:"reason,omitempty"` // failure reason when status=failed
	Data      json.RawMessage   `json:"data,omitempty"`   // causal payload of the transition
	Timestamp string            `json:"timestamp"`        // RFC3339Nano
}

// TranscriptPayload is the `data` blob of call.transcript events.
// Partial (streaming STT) lines carry final=false and are superseded by the
// final line with the same seq.
type TranscriptPayload struct {
	CallSID   string                   `json:"call_sid"`
	Seq       int                      `json:"seq"`
	Speaker   models.TranscriptSpeaker `json:"speaker"`
	Message   string                   `json:"message"` // already masked
	Final     bool                     `json:"final"`
	Timestamp string                   `json:"timestamp"`
}

// DigitPayload is the `data` blob of call.digits events. It never carries the
// raw buffer: Masked is the only digit representation that leaves the engine.
type DigitPayload struct {
	CallSID   string              `json:"call_sid"`
	Source    models.DigitSource  `json:"source"`
	Profile   models.DigitProfile `json:"profile"`
	Len       int                 `json:"len"`
	Accepted  bool                `json:"accepted"`
	Reason    string              `json:"reason"`
	Masked    string              `json:"masked,omitempty"`
	PlanID    string              `json:"plan_id,omitempty"`
	StepIndex int                 `json:"step_index,omitempty"`
	Timestamp string              `json:"timestamp"`
}

// SLOViolationPayload is the `data` blob of call.slo_violation events.
type SLOViolationPayload struct {
	CallSID     string `json:"call_sid"`
	Metric      string `json:"metric"` // first_media, answer_delay, stt_failures
	ThresholdMS int64  `json:"threshold_ms,omitempty"`
	ObservedMS  int64  `json:"observed_ms,omitempty"`
	Count       int    `json:"count,omitempty"` // for stt_failures
	Timestamp   string `json:"timestamp"`
}

// InboundCallPayload is the `data` blob of inbound.call events, published on
// the inbound topic when a carrier rings a number we answer for.
type InboundCallPayload struct {
	CallSID   string `json:"call_sid"`
	Provider  string `json:"provider"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

// Stream health statuses carried by StreamHealthPayload.
const (
	StreamConnected = "connected"
	StreamDegraded  = "degraded"
	StreamFallback  = "fallback"
	StreamRecovered = "recovered"
	StreamClosed    = "closed"
)

// StreamHealthPayload is the `data` blob of stream.health events.
type StreamHealthPayload struct {
	CallSID   string `json:"call_sid,omitempty"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ProviderHealthPayload is the `data` blob of provider.degraded and
// provider.recovered events on the stream.health topic.
type ProviderHealthPayload struct {
	Provider   string `json:"provider"`
	ErrorCount int    `json:"error_count,omitempty"`
	CooldownMS int64  `json:"cooldown_ms,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// AudioTickPayload is the `data` blob of audiotick transient events, emitted
// every audio tick during outbound playback for the mini-app waveform.
type AudioTickPayload struct {
	CallSID    string  `json:"call_sid"`
	Level      float64 `json:"level"`    // mean µ-law magnitude, 0..1
	Progress   float64 `json:"progress"` // 0..1 of the current utterance
	FrameIndex int     `json:"frameIndex"`
	Frames     int     `json:"frames"`
	Timestamp  string  `json:"timestamp"`
}

// AudioSentPayload is the `data` blob of audiosent transient events, emitted
// when the carrier acks an outbound mark frame.
type AudioSentPayload struct {
	CallSID   string `json:"call_sid"`
	Mark      string `json:"mark"`
	Timestamp string `json:"timestamp"`
}
