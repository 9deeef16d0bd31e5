package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// notifyPayloadLimit is the size above which NOTIFY payloads are replaced by
// a truncation envelope. PostgreSQL rejects payloads over 8000 bytes; 7900
// leaves headroom for the envelope fields.
const notifyPayloadLimit = 7900

// Publisher publishes call-plane events. Persistent events are stored in the
// events table then broadcast via NOTIFY; transient events (audio ticks,
// mark acks) are broadcast via NOTIFY only.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. Payloads are marshaled to JSON, wrapped in the SSE envelope
// {sequence, type, call_sid?, data, ts}, and routed to the topic channel plus
// the firehose mirror via persistAndNotify or notifyOnly.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher. The db parameter should be the *sql.DB
// from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// --- Typed public methods ---

// PublishCallStatus persists and broadcasts a call.status event on the
// call's topic. Most callers get this for free through the transition append;
// it exists for status echoes outside a transition (inbound ring echo).
func (p *Publisher) PublishCallStatus(ctx context.Context, payload CallStatusPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal CallStatusPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, CallTopic(payload.CallSID), EventTypeCallStatus, payload.CallSID, data)
	return err
}

// PublishTranscript persists and broadcasts a call.transcript event.
// A transient copy is mirrored on the per-call transcript channel.
func (p *Publisher) PublishTranscript(ctx context.Context, payload TranscriptPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal TranscriptPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, CallTopic(payload.CallSID), EventTypeCallTranscript, payload.CallSID, data,
		TranscriptChannel(payload.CallSID))
	return err
}

// PublishDigits persists and broadcasts a call.digits event. The payload
// carries only the masked representation.
func (p *Publisher) PublishDigits(ctx context.Context, payload DigitPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DigitPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, CallTopic(payload.CallSID), EventTypeCallDigits, payload.CallSID, data)
	return err
}

// PublishSLOViolation persists and broadcasts a call.slo_violation event.
func (p *Publisher) PublishSLOViolation(ctx context.Context, payload SLOViolationPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal SLOViolationPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, CallTopic(payload.CallSID), EventTypeSLOViolation, payload.CallSID, data)
	return err
}

// PublishInboundCall persists and broadcasts an inbound.call event on the
// inbound topic.
func (p *Publisher) PublishInboundCall(ctx context.Context, payload InboundCallPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal InboundCallPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, TopicInbound, EventTypeInboundCall, payload.CallSID, data)
	return err
}

// PublishStreamHealth persists and broadcasts a stream.health event.
func (p *Publisher) PublishStreamHealth(ctx context.Context, payload StreamHealthPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal StreamHealthPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, TopicStreamHealth, EventTypeStreamHealth, payload.CallSID, data)
	return err
}

// PublishProviderDegraded persists and broadcasts a provider.degraded event
// on the stream.health topic.
func (p *Publisher) PublishProviderDegraded(ctx context.Context, payload ProviderHealthPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ProviderHealthPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, TopicStreamHealth, EventTypeProviderDown, "", data)
	return err
}

// PublishProviderRecovered persists and broadcasts a provider.recovered event
// on the stream.health topic.
func (p *Publisher) PublishProviderRecovered(ctx context.Context, payload ProviderHealthPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ProviderHealthPayload: %w", err)
	}
	_, err = p.persistAndNotify(ctx, TopicStreamHealth, EventTypeProviderUp, "", data)
	return err
}

// PublishAudioTick broadcasts an audiotick transient event (no DB persistence).
// Emitted every audio tick during outbound playback — ephemeral by design.
func (p *Publisher) PublishAudioTick(ctx context.Context, payload AudioTickPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal AudioTickPayload: %w", err)
	}
	return p.notifyOnly(ctx, EventTypeAudioTick, payload.CallSID, data, CallTopic(payload.CallSID))
}

// PublishAudioSent broadcasts an audiosent transient event (no DB persistence).
func (p *Publisher) PublishAudioSent(ctx context.Context, payload AudioSentPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal AudioSentPayload: %w", err)
	}
	return p.notifyOnly(ctx, EventTypeAudioSent, payload.CallSID, data, CallTopic(payload.CallSID))
}

// --- Internal core methods ---

// persistAndNotify persists a pre-marshaled data blob to the events table and
// broadcasts the enveloped event via NOTIFY in a single transaction
// (pg_notify is transactional — held until COMMIT). Returns the sequence id.
func (p *Publisher) persistAndNotify(ctx context.Context, topic, eventType, callSID string, data []byte, mirrors ...string) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := PublishTx(ctx, tx, topic, eventType, callSID, data, mirrors...)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return id, nil
}

// PublishTx persists one event and schedules its NOTIFY broadcasts inside the
// caller's transaction. The INSERT and the notifies land atomically at
// COMMIT: used by the transition append so state, transition, and event are
// one atomic unit. Every event is mirrored onto the firehose channel in
// addition to its topic channel and any extra mirrors.
func PublishTx(ctx context.Context, tx *sql.Tx, topic, eventType, callSID string, data []byte, mirrors ...string) (int64, error) {
	now := time.Now().UTC()

	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO events (topic, type, call_sid, payload, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		topic, eventType, callSID, data, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}

	envelope, err := marshalEnvelope(id, eventType, callSID, data, now)
	if err != nil {
		return 0, err
	}

	channels := append([]string{topic, ChannelAll}, mirrors...)
	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", ch, envelope); err != nil {
			return 0, fmt.Errorf("pg_notify %s failed: %w", ch, err)
		}
	}
	return id, nil
}

// notifyOnly broadcasts an enveloped event via NOTIFY without persisting.
// Transient envelopes carry sequence 0.
func (p *Publisher) notifyOnly(ctx context.Context, eventType, callSID string, data []byte, channels ...string) error {
	envelope, err := marshalEnvelope(0, eventType, callSID, data, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, ch := range append(channels, ChannelAll) {
		if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", ch, envelope); err != nil {
			return fmt.Errorf("pg_notify %s failed: %w", ch, err)
		}
	}
	return nil
}

// --- Internal helpers ---

// marshalEnvelope wraps a data blob in the SSE envelope. If the result
// exceeds PostgreSQL's NOTIFY limit it is replaced by a truncation envelope
// holding only the routing fields; subscribers refetch the full event from
// the events table using the sequence.
func marshalEnvelope(id int64, eventType, callSID string, data []byte, ts time.Time) (string, error) {
	evt := models.Event{
		ID:        id,
		Type:      eventType,
		CallSID:   callSID,
		Payload:   data,
		CreatedAt: ts,
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	if len(b) <= notifyPayloadLimit {
		return string(b), nil
	}
	return buildTruncatedEnvelope(id, eventType, callSID, ts)
}

// buildTruncatedEnvelope creates a minimal envelope carrying only the fields
// a client needs to fetch the complete event from the database.
func buildTruncatedEnvelope(id int64, eventType, callSID string, ts time.Time) (string, error) {
	truncated := map[string]any{
		"sequence":  id,
		"type":      eventType,
		"truncated": true,
		"ts":        ts.Format(time.RFC3339Nano),
	}
	if callSID != "" {
		truncated["call_sid"] = callSID
	}
	b, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated envelope: %w", err)
	}
	return string(b), nil
}
