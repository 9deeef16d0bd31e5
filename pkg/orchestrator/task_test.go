package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

func TestCallLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{
		Prompt:       "You are a friendly appointment reminder.",
		FirstMessage: "Hello! This is a reminder about your appointment tomorrow.",
	})
	fm := h.toStreaming(t, sid)

	// The pump speaks the first message as soon as media flows.
	require.Eventually(t, func() bool {
		return len(fm.spoken()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Hello! This is a reminder about your appointment tomorrow.", fm.spoken()[0])
	assert.Equal(t, []string{"connected"}, h.bus.streamStatuses(sid))

	require.Eventually(t, func() bool {
		return len(h.notifier.byKind(models.NotificationCallStarted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.EndCall(context.Background(), sid, "done"))
	h.waitStatus(t, sid, models.CallStatusClosing)
	h.carrier(t, endedEvent(sid, "completed", ""))
	h.waitStatus(t, sid, models.CallStatusEnded)

	snap := h.calls.snapshot(sid)
	assert.Equal(t, models.AnsweredByHuman, snap.AnsweredBy)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.AnswerDelayMS)
	require.NotNil(t, snap.RingMS)
	require.NotNil(t, snap.DurationMS)
	assert.Contains(t, snap.Summary, "answered by human")

	require.Eventually(t, func() bool {
		return len(h.notifier.byKind(models.NotificationCallCompleted)) == 1 &&
			len(h.notifier.byKind(models.NotificationCallTranscript)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.responder.queue("Sure, I moved your appointment to Friday.")
	sid := h.originate(t, OriginateParams{Prompt: "You are a scheduler."})
	fm := h.toStreaming(t, sid)
	task := h.m.task(sid)
	require.NotNil(t, task)

	// Partials land in the transcript but never trigger a reply.
	require.NoError(t, task.send(utteranceMsg{text: "can you", final: false, confidence: 0.4}))
	require.NoError(t, task.send(utteranceMsg{
		text: "can you move me to friday", final: true, confidence: 0.93,
	}))

	require.Eventually(t, func() bool {
		for _, line := range fm.spoken() {
			if line == "Sure, I moved your appointment to Friday." {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, h.lines.lines(sid, models.SpeakerUser), 2)
	assert.Len(t, h.lines.lines(sid, models.SpeakerAI), 1)
	assert.Equal(t, 1, h.responder.promptCount())
}

func TestDigitPlan(t *testing.T) {
	t.Run("verification step ends the call on success", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{
			Plan: &models.CollectionPlan{
				PlanID: "verify-1",
				Steps: []models.PlanStep{{
					Profile: models.ProfileVerification,
					MinLen:  6, MaxLen: 6,
					Prompt: "Enter your six digit code.",
				}},
				CompletionMessage: "You're verified. Goodbye.",
				EndCallOnSuccess:  true,
			},
		})
		fm := h.toCapture(t, sid)
		task := h.m.task(sid)
		require.NotNil(t, task)
		require.Eventually(t, func() bool {
			return task.session.Active()
		}, 2*time.Second, 5*time.Millisecond)

		exp := h.digits.expectation(sid)
		require.NotNil(t, exp)
		assert.Equal(t, models.ProfileVerification, exp.Profile)
		assert.Equal(t, 2, exp.MaxRetries)

		for _, k := range []byte("412346") {
			task.session.Press(k, models.SourceDTMF)
		}

		h.waitStatus(t, sid, models.CallStatusClosing)
		snap := h.calls.snapshot(sid)
		assert.Equal(t, 6, snap.DigitCount)
		assert.Equal(t, "verification:4****6", snap.DigitSummary)
		require.NotNil(t, snap.LastOTP)
		assert.Equal(t, "412346", *snap.LastOTP) // dev_insecure keeps cleartext
		require.NotNil(t, snap.LastOTPMasked)
		assert.Equal(t, "4****6", *snap.LastOTPMasked)
		assert.Nil(t, h.digits.expectation(sid))

		recorded := h.digits.recorded()
		require.Len(t, recorded, 1)
		assert.True(t, recorded[0].Accepted)
		assert.Equal(t, models.SourceDTMF, recorded[0].Source)
		assert.Equal(t, "412346", recorded[0].Digits)
		assert.Equal(t, "1", recorded[0].Metadata["attempt"])
		assert.Equal(t, "verify-1", recorded[0].Metadata["plan_id"])

		spoken := fm.spoken()
		assert.Contains(t, spoken, "Enter your six digit code.")
		assert.Contains(t, spoken, "You're verified. Goodbye.")

		require.Eventually(t, func() bool {
			return len(h.registry.adapter("twilio").terminated()) == 1
		}, 2*time.Second, 5*time.Millisecond)
		h.carrier(t, endedEvent(sid, "completed", ""))
		h.waitStatus(t, sid, models.CallStatusEnded)
	})

	t.Run("multi-step plan advances and returns to streaming", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{
			Plan: &models.CollectionPlan{
				PlanID: "payment-1",
				Steps: []models.PlanStep{
					{Profile: models.ProfileCard, MinLen: 16, MaxLen: 16},
					{Profile: models.ProfileCVV, MinLen: 3, MaxLen: 3},
				},
				CompletionMessage: "Payment details received.",
			},
		})
		fm := h.toCapture(t, sid)
		task := h.m.task(sid)
		require.NotNil(t, task)
		require.Eventually(t, func() bool {
			exp := task.session.Current()
			return exp != nil && exp.Profile == models.ProfileCard
		}, 2*time.Second, 5*time.Millisecond)

		for _, k := range []byte("4242424242424242") {
			task.session.Press(k, models.SourceDTMF)
		}
		require.Eventually(t, func() bool {
			exp := task.session.Current()
			return exp != nil && exp.Profile == models.ProfileCVV
		}, 2*time.Second, 5*time.Millisecond)

		for _, k := range []byte("123") {
			task.session.Press(k, models.SourceDTMF)
		}

		h.waitStatus(t, sid, models.CallStatusStreaming)
		snap := h.calls.snapshot(sid)
		assert.Equal(t, 19, snap.DigitCount)
		assert.Equal(t, "card:4**************2 cvv:1*3", snap.DigitSummary)
		assert.Nil(t, snap.LastOTP)

		recorded := h.digits.recorded()
		require.Len(t, recorded, 2)
		assert.True(t, recorded[0].Accepted)
		assert.True(t, recorded[1].Accepted)
		require.Eventually(t, func() bool {
			for _, line := range fm.spoken() {
				if line == "Payment details received." {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("card checksum failures walk the reprompt ladder", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{
			Plan: &models.CollectionPlan{
				Steps: []models.PlanStep{{Profile: models.ProfileCard, MinLen: 16, MaxLen: 16}},
			},
		})
		h.toCapture(t, sid)
		task := h.m.task(sid)
		require.NotNil(t, task)
		require.Eventually(t, func() bool {
			return task.session.Active()
		}, 2*time.Second, 5*time.Millisecond)

		task.session.Submit("4242424242424241", models.SourceGather)

		require.Eventually(t, func() bool {
			recorded := h.digits.recorded()
			return len(recorded) == 1 && !recorded[0].Accepted
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, models.DigitReasonInvalidChecksum, h.digits.recorded()[0].Reason)
		assert.Equal(t, models.CallStatusDigitCapture, h.calls.status(sid))
		assert.True(t, task.session.Active())
	})
}

func TestDigitRetryExhaustion(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Digits.MaxRetries = 1
	})
	sid := h.originate(t, OriginateParams{
		Plan: &models.CollectionPlan{
			Steps:          []models.PlanStep{{Profile: models.ProfileVerification, MinLen: 6, MaxLen: 6}},
			FailureMessage: "We could not verify you.",
		},
	})
	fm := h.toCapture(t, sid)
	task := h.m.task(sid)
	require.NotNil(t, task)
	require.Eventually(t, func() bool {
		return task.session.Active()
	}, 2*time.Second, 5*time.Millisecond)

	// Distinct wrong buffers; identical ones are suppressed as dual-source
	// duplicates inside the dedupe window.
	task.session.Submit("99", models.SourceGather)
	task.session.Submit("88", models.SourceGather)

	h.waitStatus(t, sid, models.CallStatusFailed)
	assert.Equal(t, "digit_timeout", h.calls.snapshot(sid).ErrorCode)

	recorded := h.digits.recorded()
	require.Len(t, recorded, 2)
	assert.False(t, recorded[0].Accepted)
	assert.Equal(t, models.DigitReasonWrongLength, recorded[0].Reason)
	assert.False(t, recorded[1].Accepted)

	spoken := fm.spoken()
	assert.Contains(t, spoken, "Please enter your 6 digit verification code.")
	assert.Contains(t, spoken, "We could not verify you.")

	require.Eventually(t, func() bool {
		failed := h.notifier.byKind(models.NotificationCallFailed)
		return len(failed) == 1 && failed[0].Priority == models.PriorityHigh
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.registry.adapter("twilio").terminated()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSpokenDigitsDuringCapture(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{
		Plan: &models.CollectionPlan{
			Steps: []models.PlanStep{{Profile: models.ProfileVerification, MinLen: 6, MaxLen: 6}},
		},
	})
	h.toCapture(t, sid)
	task := h.m.task(sid)
	require.NotNil(t, task)
	require.Eventually(t, func() bool {
		return task.session.Active()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, task.send(utteranceMsg{
		text: "the code is four one two three four six", final: true, confidence: 0.9,
	}))

	h.waitStatus(t, sid, models.CallStatusStreaming)
	recorded := h.digits.recorded()
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Accepted)
	assert.Equal(t, models.SourceSpoken, recorded[0].Source)
	assert.Equal(t, 6, recorded[0].Len)
}

func TestMediaTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Telephony.MediaTimeout = 40 * time.Millisecond
	})
	sid := h.originate(t, OriginateParams{})
	h.waitStatus(t, sid, models.CallStatusDialing)
	h.carrier(t, answeredEvent(sid, models.AnsweredByHuman))

	h.waitStatus(t, sid, models.CallStatusFailed)
	assert.Equal(t, "no_media", h.calls.snapshot(sid).ErrorCode)
	require.Eventually(t, func() bool {
		return len(h.registry.adapter("twilio").terminated()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAnswerSLO(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Telephony.SLO.AnswerDelayMax = 30 * time.Millisecond
	})
	sid := h.originate(t, OriginateParams{})
	h.waitStatus(t, sid, models.CallStatusDialing)

	require.Eventually(t, func() bool {
		return h.calls.hasKind(sid, models.TransitionKindSLO)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.notifier.byKind(models.NotificationSLOViolation)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	// Still a live, dialing call; the tripwire only raises events.
	assert.Equal(t, models.CallStatusDialing, h.calls.status(sid))
}

func TestSTTFailureTripwire(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{})
	h.toStreaming(t, sid)
	task := h.m.task(sid)
	require.NotNil(t, task)

	require.NoError(t, task.send(sttFailureMsg{consecutive: 3}))
	require.NoError(t, task.send(sttFailureMsg{consecutive: 4}))

	require.Eventually(t, func() bool {
		for _, s := range h.bus.streamStatuses(sid) {
			if s == "degraded" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	// The wire trips once per call.
	assert.Len(t, h.notifier.byKind(models.NotificationSLOViolation), 1)
}

func TestStreamClosed(t *testing.T) {
	t.Run("dirty close degrades the stream", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{})
		fm := h.toStreaming(t, sid)
		task := h.m.task(sid)
		require.NotNil(t, task)

		require.NoError(t, task.send(streamClosedMsg{err: errors.New("ws reset"), pump: fm}))
		require.Eventually(t, func() bool {
			statuses := h.bus.streamStatuses(sid)
			return len(statuses) == 2 && statuses[1] == "degraded"
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, models.CallStatusStreaming, h.calls.status(sid))
	})

	t.Run("a stale pump cannot close the current stream", func(t *testing.T) {
		h := newHarness(t, nil)
		sid := h.originate(t, OriginateParams{})
		h.toStreaming(t, sid)
		task := h.m.task(sid)
		require.NotNil(t, task)

		stale := &fakeMedia{}
		require.NoError(t, task.send(streamClosedMsg{err: errors.New("old socket"), pump: stale}))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, []string{"connected"}, h.bus.streamStatuses(sid))
	})
}

func TestCloseGrace(t *testing.T) {
	old := closeGrace
	closeGrace = 30 * time.Millisecond
	t.Cleanup(func() { closeGrace = old })

	h := newHarness(t, nil)
	sid := h.originate(t, OriginateParams{})
	h.toStreaming(t, sid)

	require.NoError(t, h.m.EndCall(context.Background(), sid, "done"))
	// No ended webhook arrives; the grace timer forces the terminal state.
	h.waitStatus(t, sid, models.CallStatusEnded)

	snap := h.calls.snapshot(sid)
	require.NotNil(t, snap.EndedAt)
	require.NotNil(t, snap.DurationMS)
	assert.True(t, h.calls.hasKind(sid, models.TransitionKindClose))
}

func TestCarrierEndCodes(t *testing.T) {
	cases := []struct {
		name          string
		carrierStatus string
		wantCode      string
	}{
		{"busy line fails the call", "busy", "busy"},
		{"no answer fails the call", "no-answer", "no_answer"},
		{"carrier failure fails the call", "failed", "carrier_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sid := h.originate(t, OriginateParams{})
			h.waitStatus(t, sid, models.CallStatusDialing)

			h.carrier(t, endedEvent(sid, tc.carrierStatus, ""))
			h.waitStatus(t, sid, models.CallStatusFailed)

			snap := h.calls.snapshot(sid)
			assert.Equal(t, tc.wantCode, snap.ErrorCode)
			assert.Equal(t, "never answered", snap.Summary)
		})
	}
}
