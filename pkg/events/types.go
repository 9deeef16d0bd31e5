// Package events provides the call-plane event bus: events are persisted to
// the events table (the replay log behind since=N) and broadcast via
// PostgreSQL NOTIFY/LISTEN for cross-pod delivery to SSE subscribers.
//
// ════════════════════════════════════════════════════════════════
// Persistence patterns
// ════════════════════════════════════════════════════════════════
//
// Pattern 1 — PERSISTED (INSERT + NOTIFY in one transaction):
//
//	call.status, call.transcript, call.digits, call.slo_violation,
//	inbound.call, stream.health, provider.degraded, provider.recovered
//
//	The event row's BIGSERIAL id is the monotonic `sequence` subscribers
//	resume from. pg_notify fires atomically with the insert at COMMIT, so a
//	subscriber that replays since=N and then goes live never sees a gap.
//
// Pattern 2 — TRANSIENT (NOTIFY only, no DB row):
//
//	audiotick, audiosent
//
//	High-frequency pump progress. Ephemeral — lost on disconnect by design;
//	the mini-app waveform redraws from the next tick. Transient envelopes
//	carry sequence 0.
//
// Every broadcast, persisted or transient, is mirrored onto the firehose
// channel (events.all) so one LISTEN serves the mini-app SSE stream.
// ════════════════════════════════════════════════════════════════
package events

// Topic names double as NOTIFY channel names. Per-call topics derive from the
// carrier SID; the rest are fixed.
const (
	// TopicInbound carries ring events for calls we did not originate.
	TopicInbound = "inbound"

	// TopicStreamHealth carries pump health and provider degradation events.
	TopicStreamHealth = "stream.health"

	// ChannelAll is the firehose mirror channel. It is not a replay topic:
	// firehose catchup queries the events table without a topic filter.
	ChannelAll = "events.all"
)

// CallTopic returns the per-call topic for a carrier SID.
// Format: "call.{call_sid}"
func CallTopic(callSID string) string {
	return "call." + callSID
}

// TranscriptChannel returns the transient mirror channel for consumers that
// want live transcript lines without the rest of the call topic.
func TranscriptChannel(callSID string) string {
	return "transcript." + callSID
}

// Persisted event types (stored in DB + NOTIFY).
const (
	EventTypeCallStatus     = "call.status"
	EventTypeCallTranscript = "call.transcript"
	EventTypeCallDigits     = "call.digits"
	EventTypeSLOViolation   = "call.slo_violation"
	EventTypeInboundCall    = "inbound.call"
	EventTypeStreamHealth   = "stream.health"
	EventTypeProviderDown   = "provider.degraded"
	EventTypeProviderUp     = "provider.recovered"
)

// Transient event types (NOTIFY only, no DB persistence).
const (
	EventTypeAudioTick = "audiotick"
	EventTypeAudioSent = "audiosent"
)

// EventTypeHeartbeat is emitted by the SSE gateway itself every heartbeat
// interval; it never travels through the bus.
const EventTypeHeartbeat = "heartbeat"
