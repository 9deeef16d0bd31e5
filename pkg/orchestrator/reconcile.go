package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/digits"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// inboundHoldSeconds is the offer window for an unanswered inbound call.
// The hold document parks the caller; past the window the carrier hangs up.
const inboundHoldSeconds = 30

// holdShortSeconds parks a carrier between gather steps while a redirect or
// terminate is in flight. The trailing hangup is the backstop if neither comes.
const holdShortSeconds = 10

// HandleCarrierEvent is the single ingress for normalized carrier webhooks.
// It records the delivery for redelivery suppression, resolves the call,
// applies the terminal and monotonicity guards, routes the event onto the
// call task, and builds the response document for webhook kinds the carrier
// expects one from (answer fetches, gather posts, inbound offers). Duplicate
// deliveries get the same document but are never dispatched twice.
func (m *Manager) HandleCarrierEvent(ctx context.Context, ev *providers.WebhookEvent) (*providers.Document, error) {
	adapter, err := m.registry.Get(ev.Provider)
	if err != nil {
		return nil, err
	}
	if ev.Type == providers.EventInbound {
		return m.handleInbound(ctx, ev, adapter)
	}

	call, err := m.resolveCall(ctx, ev)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) && expectsDocument(ev.Type) {
			// A document fetch for a call we do not know; end the leg.
			m.logger.Warn("Webhook for unknown call",
				"provider", ev.Provider, "type", ev.Type,
				"provider_call_id", ev.ProviderCallID)
			return adapter.HangupDocument(), nil
		}
		return nil, err
	}
	ev.CallSID = call.CallSID

	_, duplicate, err := m.webhooks.Record(ctx, ev.Provider, call.CallSID, ev.Type, ev.DedupeKey())
	if err != nil {
		// The suppression log is advisory; deliver rather than drop.
		m.logger.Warn("Failed to record webhook delivery",
			"call_sid", call.CallSID, "type", ev.Type, "error", err)
		duplicate = false
	}

	if call.Status.IsTerminal() {
		if expectsDocument(ev.Type) {
			return adapter.HangupDocument(), nil
		}
		return nil, nil
	}

	switch ev.Type {
	case providers.EventDigits:
		return m.handleGather(ctx, call, ev, adapter, duplicate)
	case providers.EventMediaError:
		if !duplicate {
			m.recordMediaError(ctx, call, ev)
		}
		return nil, nil
	case providers.EventStreamFrame:
		// Media belongs on the stream WebSocket, not the webhook path.
		return nil, nil
	}

	if duplicate || staleForCall(call, ev) {
		return m.documentFor(call, ev, adapter)
	}

	task, err := m.taskFor(ctx, call)
	if err != nil {
		if errors.Is(err, services.ErrTerminalState) {
			if expectsDocument(ev.Type) {
				return adapter.HangupDocument(), nil
			}
			return nil, nil
		}
		return nil, err
	}
	if err := task.send(carrierMsg{ev: ev}); err != nil {
		m.logger.Warn("Failed to route carrier event",
			"call_sid", call.CallSID, "type", ev.Type, "error", err)
	}
	return m.documentFor(call, ev, adapter)
}

// resolveCall finds the call a webhook refers to by our SID or, failing
// that, the carrier's.
func (m *Manager) resolveCall(ctx context.Context, ev *providers.WebhookEvent) (*models.Call, error) {
	if ev.CallSID != "" {
		return m.calls.GetCall(ctx, ev.CallSID)
	}
	if ev.ProviderCallID != "" {
		return m.calls.GetCallByProviderID(ctx, ev.ProviderCallID)
	}
	return nil, fmt.Errorf("%w: webhook carries no call identifier", services.ErrInvalidInput)
}

// expectsDocument reports whether the carrier blocks on a response document
// for this webhook kind. Status callbacks ignore the body.
func expectsDocument(eventType string) bool {
	switch eventType {
	case providers.EventAnswered, providers.EventDigits, providers.EventInbound:
		return true
	default:
		return false
	}
}

// impliedRank maps a carrier event to the call state it implies, for the
// monotonicity guard. Events with no state implication return -1.
func impliedRank(eventType string) int {
	switch eventType {
	case providers.EventRinging:
		return models.CallStatusRinging.Rank()
	case providers.EventAnswered:
		return models.CallStatusAnswered.Rank()
	case providers.EventEnded:
		return models.CallStatusEnded.Rank()
	default:
		return -1
	}
}

// staleForCall reports whether the event implies a state the call has
// already moved past. Ended events never count as stale.
func staleForCall(call *models.Call, ev *providers.WebhookEvent) bool {
	implied := impliedRank(ev.Type)
	return implied >= 0 && implied < call.Status.Rank()
}

// documentFor builds the response document a webhook kind expects, from the
// call's durable state. Pure; safe for duplicate deliveries.
func (m *Manager) documentFor(call *models.Call, ev *providers.WebhookEvent, adapter providers.Adapter) (*providers.Document, error) {
	switch ev.Type {
	case providers.EventAnswered:
		return m.answeredDocument(call, ev, adapter)
	default:
		return nil, nil
	}
}

// answeredDocument picks the media-control document for an answered call:
// connect the stream, or apply the machine policy when detection says a
// machine picked up.
func (m *Manager) answeredDocument(call *models.Call, ev *providers.WebhookEvent, adapter providers.Adapter) (*providers.Document, error) {
	if ev.AnsweredBy == models.AnsweredByMachine && call.Direction == models.DirectionOutbound {
		switch m.cfg.Telephony.MachineDetection.Policy {
		case config.MachinePolicyHangup:
			return adapter.HangupDocument(), nil
		case config.MachinePolicyVoicemailDrop:
			if call.FirstMessage != "" {
				return adapter.SpeakDocument(providers.SpeakRequest{
					CallSID: call.CallSID,
					Text:    call.FirstMessage,
				})
			}
			return adapter.HangupDocument(), nil
		}
	}
	// The pump speaks the first message once media is up, so the document
	// carries no greeting; carrier-side speech would not honor barge-in.
	return adapter.AnswerDocument(providers.AnswerRequest{CallSID: call.CallSID})
}

// handleGather processes a carrier digit post (or a bare fetch of the gather
// document) and answers with the follow-up document. The buffer is evaluated
// synchronously so the response reflects the post-evaluation expectation.
func (m *Manager) handleGather(ctx context.Context, call *models.Call, ev *providers.WebhookEvent, adapter providers.Adapter, duplicate bool) (*providers.Document, error) {
	task, err := m.taskFor(ctx, call)
	if err != nil {
		if errors.Is(err, services.ErrTerminalState) {
			return adapter.HangupDocument(), nil
		}
		return nil, err
	}

	if ev.Digits != "" && !duplicate {
		// Synchronous: outcome persistence rides the task inbox, but the
		// session advances now so the document below is current.
		task.session.Submit(ev.Digits, models.SourceGather)
	}

	if exp := task.session.Current(); exp != nil {
		return m.gatherDocument(call.CallSID, exp, adapter)
	}
	// Capture finished. Park the caller briefly; the task follows up with a
	// redirect (next plan step) or a terminate, and the trailing hangup is
	// the backstop.
	return adapter.HoldDocument(call.CallSID, holdShortSeconds)
}

// gatherDocument renders the active expectation as a carrier gather.
func (m *Manager) gatherDocument(callSID string, exp *models.Expectation, adapter providers.Adapter) (*providers.Document, error) {
	prompt := exp.Prompt
	if exp.Retries > 0 || prompt == "" {
		attempt := exp.Retries
		if attempt < 1 {
			attempt = 1
		}
		prompt = digits.RepromptText(exp, attempt)
	}
	return adapter.GatherDocument(providers.GatherRequest{
		CallSID:    callSID,
		Prompt:     prompt,
		MaxDigits:  exp.MaxLen,
		Terminator: exp.Terminator,
		TimeoutSec: int(m.cfg.Digits.InterDigitTimeout.Seconds()),
	})
}

// recordMediaError marks the provider unhealthy and surfaces the degradation
// on the call's stream health topic.
func (m *Manager) recordMediaError(ctx context.Context, call *models.Call, ev *providers.WebhookEvent) {
	if tracker := m.trackerFor(ev.Provider); tracker != nil {
		tracker.RecordFailure(ev.ErrorCode)
	}
	detail := ev.ErrorCode
	if detail == "" {
		detail = "carrier media error"
	}
	err := m.bus.PublishStreamHealth(ctx, events.StreamHealthPayload{
		CallSID:   call.CallSID,
		Status:    events.StreamDegraded,
		Detail:    detail,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		m.logger.Error("Failed to publish media error",
			"call_sid", call.CallSID, "error", err)
	}
}

// handleInbound creates a held call for a carrier inbound offer and returns
// the hold document. Redelivered offers map back to the same call.
func (m *Manager) handleInbound(ctx context.Context, ev *providers.WebhookEvent, adapter providers.Adapter) (*providers.Document, error) {
	_, duplicate, err := m.webhooks.Record(ctx, ev.Provider, ev.ProviderCallID, ev.Type, ev.DedupeKey())
	if err != nil {
		m.logger.Warn("Failed to record inbound delivery",
			"provider", ev.Provider, "error", err)
	}
	if duplicate {
		if call, gerr := m.calls.GetCallByProviderID(ctx, ev.ProviderCallID); gerr == nil {
			if call.Status.IsTerminal() {
				return adapter.HangupDocument(), nil
			}
			return adapter.HoldDocument(call.CallSID, inboundHoldSeconds)
		}
	}

	m.mu.RLock()
	full := m.draining || len(m.tasks) >= m.cfg.Telephony.MaxConcurrentCalls
	m.mu.RUnlock()
	if full {
		// No admission slot; end the offer at the carrier without a row.
		m.logger.Warn("Inbound call rejected at admission",
			"provider", ev.Provider, "from", ev.From)
		return adapter.HangupDocument(), nil
	}

	call := &models.Call{
		CallSID:        NewCallSID(),
		PhoneNumber:    ev.From,
		Direction:      models.DirectionInbound,
		Provider:       ev.Provider,
		ProviderCallID: ev.ProviderCallID,
		Status:         models.CallStatusCreated,
	}
	saved, err := m.calls.UpsertCall(ctx, call)
	if err != nil {
		return nil, err
	}
	if _, err := m.calls.AppendTransition(ctx, saved.CallSID, models.CallStatusRinging,
		models.TransitionKindCarrier,
		mustJSON(carrierData{Event: ev.Type, CarrierStatus: ev.CarrierStatus}),
		nil); err != nil {
		return nil, err
	}
	saved.Status = models.CallStatusRinging

	perr := m.bus.PublishInboundCall(ctx, events.InboundCallPayload{
		CallSID:   saved.CallSID,
		Provider:  ev.Provider,
		From:      ev.From,
		To:        ev.To,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if perr != nil {
		m.logger.Error("Failed to publish inbound offer",
			"call_sid", saved.CallSID, "error", perr)
	}

	if _, err := m.adopt(ctx, saved); err != nil {
		m.logger.Error("Failed to spawn task for inbound call",
			"call_sid", saved.CallSID, "error", err)
	}
	m.logger.Info("Inbound call held",
		"call_sid", saved.CallSID, "provider", ev.Provider, "from", ev.From)
	return adapter.HoldDocument(saved.CallSID, inboundHoldSeconds)
}
