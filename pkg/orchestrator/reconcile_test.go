package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
)

func gatherEvent(sid, digits string) *providers.WebhookEvent {
	return &providers.WebhookEvent{
		Provider:   "twilio",
		Type:       providers.EventDigits,
		CallSID:    sid,
		Digits:     digits,
		ReceivedAt: time.Now(),
	}
}

func inboundEvent(providerCallID, from string) *providers.WebhookEvent {
	return &providers.WebhookEvent{
		Provider:       "twilio",
		Type:           providers.EventInbound,
		ProviderCallID: providerCallID,
		From:           from,
		To:             "+15550001111",
		CarrierStatus:  "ringing",
		SequenceHint:   "offer",
		ReceivedAt:     time.Now(),
	}
}

func mediaErrorEvent(sid, code string) *providers.WebhookEvent {
	return &providers.WebhookEvent{
		Provider:     "twilio",
		Type:         providers.EventMediaError,
		CallSID:      sid,
		ErrorCode:    code,
		SequenceHint: "me-1",
		ReceivedAt:   time.Now(),
	}
}

// heldSID extracts the call SID a fake hold document parked.
func heldSID(t *testing.T, doc *providers.Document) string {
	t.Helper()
	body := string(doc.Body)
	require.True(t, strings.HasPrefix(body, "hold|"), "not a hold document: %s", body)
	rest := strings.TrimPrefix(body, "hold|")
	idx := strings.LastIndex(rest, ":")
	require.Greater(t, idx, 0)
	return rest[:idx]
}

func TestWebhookDedupe(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{})
	h.waitStatus(t, sid, models.CallStatusDialing)

	h.carrier(t, ringingEvent(sid))
	h.waitStatus(t, sid, models.CallStatusRinging)
	require.Equal(t, 3, h.calls.transitionCount(sid))

	// Same delivery again: same dedupe key, no second dispatch.
	h.carrier(t, ringingEvent(sid))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, h.calls.transitionCount(sid))
	assert.Equal(t, models.CallStatusRinging, h.calls.status(sid))
}

func TestStaleEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{})
	h.toStreaming(t, sid)
	before := h.calls.transitionCount(sid)

	// A delayed ringing callback implies a state the call left long ago.
	late := ringingEvent(sid)
	late.SequenceHint = "ringing-late"
	h.carrier(t, late)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, h.calls.transitionCount(sid))
	assert.Equal(t, models.CallStatusStreaming, h.calls.status(sid))
}

func TestAnsweredDocuments(t *testing.T) {
	t.Run("human pickup connects the stream", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{})
		h.waitStatus(t, sid, models.CallStatusDialing)

		doc := h.carrier(t, answeredEvent(sid, models.AnsweredByHuman))
		require.NotNil(t, doc)
		assert.Equal(t, "answer|"+sid, string(doc.Body))
		h.waitStatus(t, sid, models.CallStatusAnswered)
	})

	t.Run("machine with hangup policy ends the call", func(t *testing.T) {
		h := newHarness(t, nil) // hangup is the default policy
		sid := h.originate(t, OriginateParams{FirstMessage: "Hello!"})
		h.waitStatus(t, sid, models.CallStatusDialing)

		doc := h.carrier(t, answeredEvent(sid, models.AnsweredByMachine))
		require.NotNil(t, doc)
		assert.Equal(t, "hangup|", string(doc.Body))

		h.waitStatus(t, sid, models.CallStatusEnded)
		snap := h.calls.snapshot(sid)
		assert.Equal(t, "answering_machine", snap.ErrorCode)
		assert.Contains(t, snap.Summary, "answered by machine")
	})

	t.Run("machine with voicemail drop speaks the first message", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) {
			cfg.Telephony.MachineDetection.Policy = config.MachinePolicyVoicemailDrop
		})
		sid := h.originate(t, OriginateParams{FirstMessage: "Please call us back at your convenience."})
		h.waitStatus(t, sid, models.CallStatusDialing)

		doc := h.carrier(t, answeredEvent(sid, models.AnsweredByMachine))
		require.NotNil(t, doc)
		assert.Equal(t, "speak|Please call us back at your convenience.", string(doc.Body))

		h.waitStatus(t, sid, models.CallStatusAnswered)
		require.Eventually(t, func() bool {
			return len(h.lines.lines(sid, models.SpeakerAI)) == 1
		}, 2*time.Second, 5*time.Millisecond)

		h.carrier(t, endedEvent(sid, "completed", ""))
		h.waitStatus(t, sid, models.CallStatusEnded)
		require.NotNil(t, h.calls.snapshot(sid).DurationMS)
	})

	t.Run("machine with continue policy proceeds", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) {
			cfg.Telephony.MachineDetection.Policy = config.MachinePolicyContinue
		})
		sid := h.originate(t, OriginateParams{})
		h.waitStatus(t, sid, models.CallStatusDialing)

		doc := h.carrier(t, answeredEvent(sid, models.AnsweredByMachine))
		require.NotNil(t, doc)
		assert.Equal(t, "answer|"+sid, string(doc.Body))
		h.waitStatus(t, sid, models.CallStatusAnswered)
		assert.Equal(t, models.AnsweredByMachine, h.calls.snapshot(sid).AnsweredBy)
	})
}

func TestGatherRoundTrip(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Digits.MaxRetries = 1
	})
	sid := h.originate(t, OriginateParams{
		Plan: &models.CollectionPlan{
			Steps: []models.PlanStep{{
				Profile: models.ProfileVerification,
				MinLen:  6, MaxLen: 6,
				Prompt: "Enter your six digit code.",
			}},
			CompletionMessage: "Thank you.",
			EndCallOnSuccess:  true,
		},
	})
	h.toCapture(t, sid)
	task := h.m.task(sid)
	require.NotNil(t, task)
	require.Eventually(t, func() bool {
		return task.session.Active()
	}, 2*time.Second, 5*time.Millisecond)

	// The stream drops; capture continues through carrier gather documents.
	require.NoError(t, h.m.FallbackStream(context.Background(), sid))
	require.Eventually(t, func() bool {
		redirects := h.registry.adapter("twilio").redirected()
		return len(redirects) == 1 &&
			redirects[0][1] == "https://calls.example.com/webhooks/twilio/calls/"+sid+"/gather"
	}, 2*time.Second, 5*time.Millisecond)

	// Bare document fetch: the current expectation renders as a gather.
	doc := h.carrier(t, gatherEvent(sid, ""))
	require.NotNil(t, doc)
	assert.Equal(t, "gather|Enter your six digit code.", string(doc.Body))

	// Wrong digits: evaluated synchronously, the response reprompts.
	doc = h.carrier(t, gatherEvent(sid, "99"))
	require.NotNil(t, doc)
	assert.Equal(t, "gather|Please enter your 6 digit verification code.", string(doc.Body))

	// Right digits: capture completes, caller parks while the task closes.
	doc = h.carrier(t, gatherEvent(sid, "412346"))
	require.NotNil(t, doc)
	assert.Equal(t, "hold|"+sid+":10", string(doc.Body))

	h.waitStatus(t, sid, models.CallStatusClosing)
	require.Eventually(t, func() bool {
		return len(h.registry.adapter("twilio").terminated()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A redelivered gather serves the same follow-up without re-recording.
	doc = h.carrier(t, gatherEvent(sid, "412346"))
	require.NotNil(t, doc)
	assert.Equal(t, "hold|"+sid+":10", string(doc.Body))
	assert.Len(t, h.digits.recorded(), 2)

	h.carrier(t, endedEvent(sid, "completed", ""))
	h.waitStatus(t, sid, models.CallStatusEnded)
	snap := h.calls.snapshot(sid)
	assert.Equal(t, 6, snap.DigitCount)
	assert.Equal(t, "verification:4****6", snap.DigitSummary)
}

func TestInbound(t *testing.T) {
	t.Run("offer creates a held ringing call", func(t *testing.T) {
		h := newHarness(t, nil)

		doc := h.carrier(t, inboundEvent("PN-1", "+15553334444"))
		require.NotNil(t, doc)
		sid := heldSID(t, doc)
		assert.Equal(t, "hold|"+sid+":30", string(doc.Body))

		h.waitStatus(t, sid, models.CallStatusRinging)
		snap := h.calls.snapshot(sid)
		assert.Equal(t, models.DirectionInbound, snap.Direction)
		assert.Equal(t, "+15553334444", snap.PhoneNumber)
		assert.Equal(t, "twilio", snap.Provider)
		assert.Equal(t, "PN-1", snap.ProviderCallID)
		assert.Equal(t, 1, h.bus.inboundCount())
	})

	t.Run("redelivered offer maps to the same call", func(t *testing.T) {
		h := newHarness(t, nil)

		first := h.carrier(t, inboundEvent("PN-1", "+15553334444"))
		sid := heldSID(t, first)
		again := h.carrier(t, inboundEvent("PN-1", "+15553334444"))
		require.NotNil(t, again)

		assert.Equal(t, sid, heldSID(t, again))
		assert.Equal(t, 1, h.calls.count())
		assert.Equal(t, 1, h.bus.inboundCount())
	})

	t.Run("answer redirects the carrier to the stream", func(t *testing.T) {
		h := newHarness(t, nil)
		doc := h.carrier(t, inboundEvent("PN-3", "+15553334444"))
		sid := heldSID(t, doc)
		h.waitStatus(t, sid, models.CallStatusRinging)

		require.NoError(t, h.m.AnswerInbound(context.Background(), sid,
			"You are a receptionist.", "Hi, thanks for calling!"))

		redirects := h.registry.adapter("twilio").redirected()
		require.Len(t, redirects, 1)
		assert.Equal(t, "PN-3", redirects[0][0])
		assert.Equal(t,
			"https://calls.example.com/webhooks/twilio/calls/"+sid+"/answer",
			redirects[0][1])

		answerDoc := h.carrier(t, answeredEvent(sid, models.AnsweredByHuman))
		require.NotNil(t, answerDoc)
		assert.Equal(t, "answer|"+sid, string(answerDoc.Body))
		h.waitStatus(t, sid, models.CallStatusAnswered)
		require.Eventually(t, func() bool {
			return h.calls.snapshot(sid).Prompt == "You are a receptionist."
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("decline terminates the held leg", func(t *testing.T) {
		h := newHarness(t, nil)
		doc := h.carrier(t, inboundEvent("PN-2", "+15553334444"))
		sid := heldSID(t, doc)
		h.waitStatus(t, sid, models.CallStatusRinging)

		require.NoError(t, h.m.DeclineInbound(context.Background(), sid))
		h.waitStatus(t, sid, models.CallStatusClosing)
		require.Eventually(t, func() bool {
			term := h.registry.adapter("twilio").terminated()
			return len(term) == 1 && term[0] == "PN-2"
		}, 2*time.Second, 5*time.Millisecond)

		h.carrier(t, endedEvent(sid, "completed", ""))
		h.waitStatus(t, sid, models.CallStatusEnded)
	})

	t.Run("answer refuses outbound calls", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{})
		h.waitStatus(t, sid, models.CallStatusDialing)

		err := h.m.AnswerInbound(context.Background(), sid, "", "")
		require.ErrorIs(t, err, ErrBadCallState)
	})

	t.Run("offers beyond the ceiling are rejected without a row", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) {
			cfg.Telephony.MaxConcurrentCalls = 0
		})

		doc := h.carrier(t, inboundEvent("PN-4", "+15553334444"))
		require.NotNil(t, doc)
		assert.Equal(t, "hangup|", string(doc.Body))
		assert.Equal(t, 0, h.calls.count())
		assert.Equal(t, 0, h.bus.inboundCount())
	})
}

func TestUnknownCallWebhook(t *testing.T) {
	t.Run("document fetches for unknown calls hang up", func(t *testing.T) {
		h := newHarness(t, nil)
		doc := h.carrier(t, answeredEvent("CAghost", models.AnsweredByHuman))
		require.NotNil(t, doc)
		assert.Equal(t, "hangup|", string(doc.Body))
	})

	t.Run("status callbacks for unknown calls error", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.m.HandleCarrierEvent(context.Background(), ringingEvent("CAghost"))
		require.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("webhooks without identifiers are invalid", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.m.HandleCarrierEvent(context.Background(), &providers.WebhookEvent{
			Provider: "twilio",
			Type:     providers.EventStatus,
		})
		require.ErrorIs(t, err, services.ErrInvalidInput)
	})

	t.Run("unknown providers are rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		ev := ringingEvent("CAghost")
		ev.Provider = "bandwidth"
		_, err := h.m.HandleCarrierEvent(context.Background(), ev)
		require.ErrorIs(t, err, config.ErrProviderNotFound)
	})
}

func TestTerminalCallWebhook(t *testing.T) {
	h := newHarness(t, nil)
	h.calls.seed(&models.Call{
		CallSID:     "CAdone",
		PhoneNumber: "+15557654321",
		Direction:   models.DirectionOutbound,
		Provider:    "twilio",
		Status:      models.CallStatusEnded,
	})

	doc := h.carrier(t, answeredEvent("CAdone", models.AnsweredByHuman))
	require.NotNil(t, doc)
	assert.Equal(t, "hangup|", string(doc.Body))

	statusEv := ringingEvent("CAdone")
	statusEv.Type = providers.EventStatus
	statusEv.SequenceHint = "late-status"
	doc = h.carrier(t, statusEv)
	assert.Nil(t, doc)

	assert.Equal(t, 0, h.calls.transitionCount("CAdone"))
	assert.Nil(t, h.m.task("CAdone"))
}

func TestMediaErrorWebhook(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{})
	h.waitStatus(t, sid, models.CallStatusDialing)

	doc := h.carrier(t, mediaErrorEvent(sid, "31920"))
	assert.Nil(t, doc)
	require.Eventually(t, func() bool {
		evs := h.bus.streamEvents(sid)
		return len(evs) == 1 && evs[0].Status == "degraded" && evs[0].Detail == "31920"
	}, 2*time.Second, 5*time.Millisecond)

	// Redelivery is suppressed.
	h.carrier(t, mediaErrorEvent(sid, "31920"))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.bus.streamEvents(sid), 1)
}
