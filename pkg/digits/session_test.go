package digits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

func testDigitsConfig() *config.DigitsConfig {
	return &config.DigitsConfig{
		InterDigitTimeout: 40 * time.Millisecond,
		OverallTimeout:    300 * time.Millisecond,
		DedupeWindow:      50 * time.Millisecond,
		MaxRetries:        2,
		ComplianceMode:    config.ComplianceDevInsecure,
	}
}

func newTestSession(t *testing.T) (*Session, chan Outcome) {
	t.Helper()
	outcomes := make(chan Outcome, 16)
	s := NewSession("call-1", testDigitsConfig(), func(o Outcome) { outcomes <- o })
	t.Cleanup(s.Stop)
	return s, outcomes
}

func waitOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a capture outcome")
		return Outcome{}
	}
}

func otpExpectation() *models.Expectation {
	return &models.Expectation{
		CallSID:    "call-1",
		Profile:    models.ProfileVerification,
		MinLen:     6,
		MaxLen:     6,
		Terminator: "#",
		MaxRetries: 2,
	}
}

func TestSessionAcceptsOnTerminator(t *testing.T) {
	s, outcomes := newTestSession(t)
	s.Install(otpExpectation())

	for _, key := range []byte("123456") {
		s.Press(key, models.SourceDTMF)
	}
	s.Press('#', models.SourceDTMF)

	o := waitOutcome(t, outcomes)
	assert.True(t, o.Accepted)
	assert.Equal(t, models.DigitReasonOK, o.Reason)
	assert.Equal(t, "123456", o.Digits)
	assert.Equal(t, 6, o.Len)
	assert.Equal(t, models.SourceDTMF, o.Source)
	assert.False(t, s.Active())
}

func TestSessionAcceptsOnFullBuffer(t *testing.T) {
	s, outcomes := newTestSession(t)
	exp := otpExpectation()
	exp.Terminator = ""
	s.Install(exp)

	for _, key := range []byte("654321") {
		s.Press(key, models.SourceDTMF)
	}

	o := waitOutcome(t, outcomes)
	assert.True(t, o.Accepted)
	assert.Equal(t, "654321", o.Digits)
}

func TestSessionSubmitStripsTerminator(t *testing.T) {
	s, outcomes := newTestSession(t)
	s.Install(otpExpectation())

	s.Submit("123456#", models.SourceGather)

	o := waitOutcome(t, outcomes)
	assert.True(t, o.Accepted)
	assert.Equal(t, "123456", o.Digits)
	assert.Equal(t, models.SourceGather, o.Source)
}

func TestSessionDualSourceDedupe(t *testing.T) {
	s, outcomes := newTestSession(t)
	s.Install(otpExpectation())

	// Gather webhook and the speech path race to the same buffer; the
	// second arrival inside the window is suppressed.
	s.Submit("123456", models.SourceGather)
	s.Submit("123456", models.SourceSpoken)

	o := waitOutcome(t, outcomes)
	assert.True(t, o.Accepted)
	assert.Equal(t, models.SourceGather, o.Source)

	select {
	case extra := <-outcomes:
		t.Fatalf("duplicate buffer produced a second outcome: %+v", extra)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSessionRearmsPauseTimerAfterSuppressedDuplicate(t *testing.T) {
	s, outcomes := newTestSession(t)
	exp := &models.Expectation{
		CallSID:    "call-1",
		Profile:    models.ProfileCard,
		MinLen:     16,
		MaxLen:     16,
		MaxRetries: 5,
	}
	s.Install(exp)

	// A Luhn-failing card number starts the reprompt ladder.
	s.Submit("4242424242424241", models.SourceGather)
	o := waitOutcome(t, outcomes)
	assert.False(t, o.Accepted)
	assert.Equal(t, models.DigitReasonInvalidChecksum, o.Reason)

	// The same digits arrive over DTMF inside the dedupe window and are
	// suppressed. Capture must keep moving: the next outcome is a pause
	// reprompt, not the overall-window fallback.
	for _, key := range []byte("4242424242424241") {
		s.Press(key, models.SourceDTMF)
	}

	o = waitOutcome(t, outcomes)
	assert.False(t, o.Accepted)
	assert.Equal(t, models.DigitReasonTimeout, o.Reason)
	assert.False(t, o.Fallback)
	assert.True(t, s.Active())
}

func TestSessionRepromptLadder(t *testing.T) {
	s, outcomes := newTestSession(t)
	s.Install(otpExpectation())

	s.Submit("123", models.SourceGather) // wrong length
	o := waitOutcome(t, outcomes)
	assert.False(t, o.Accepted)
	assert.Equal(t, models.DigitReasonWrongLength, o.Reason)
	assert.NotEmpty(t, o.Reprompt)
	assert.False(t, o.Fallback)
	assert.Equal(t, 1, o.Attempt)
	assert.True(t, s.Active())

	s.Submit("misdial", models.SourceGather)
	o = waitOutcome(t, outcomes)
	assert.Equal(t, models.DigitReasonBadCharacter, o.Reason)
	assert.NotEmpty(t, o.Reprompt)

	// Third rejection exhausts the budget.
	s.Submit("99", models.SourceGather)
	o = waitOutcome(t, outcomes)
	assert.False(t, o.Accepted)
	assert.True(t, o.Fallback)
	assert.Empty(t, o.Reprompt)
	assert.False(t, s.Active())
}

func TestSessionLuhnRejection(t *testing.T) {
	s, outcomes := newTestSession(t)
	s.Install(&models.Expectation{
		CallSID:    "call-1",
		Profile:    models.ProfileCard,
		MinLen:     12,
		MaxLen:     19,
		MaxRetries: 2,
	})

	s.Submit("4242424242424241", models.SourceGather)
	o := waitOutcome(t, outcomes)
	assert.False(t, o.Accepted)
	assert.Equal(t, models.DigitReasonInvalidChecksum, o.Reason)

	s.Submit("4242424242424242", models.SourceGather)
	o = waitOutcome(t, outcomes)
	assert.True(t, o.Accepted)
}

func TestSessionInterDigitTimeoutCompletesBuffer(t *testing.T) {
	s, outcomes := newTestSession(t)
	exp := otpExpectation()
	exp.MinLen, exp.MaxLen, exp.Terminator = 4, 8, ""
	s.Install(exp)

	// Caller stops after six digits; the pause completes the buffer.
	for _, key := range []byte("123456") {
		s.Press(key, models.SourceDTMF)
	}

	o := waitOutcome(t, outcomes)
	assert.True(t, o.Accepted)
	assert.Equal(t, "123456", o.Digits)
}

func TestSessionInterDigitTimeoutReprompts(t *testing.T) {
	s, outcomes := newTestSession(t)
	s.Install(otpExpectation())

	s.Press('1', models.SourceDTMF)

	o := waitOutcome(t, outcomes)
	assert.False(t, o.Accepted)
	assert.Equal(t, models.DigitReasonTimeout, o.Reason)
	assert.NotEmpty(t, o.Reprompt)
	assert.True(t, s.Active())
}

func TestSessionOverallTimeoutFallsBack(t *testing.T) {
	s, outcomes := newTestSession(t)
	cfgExp := otpExpectation()
	cfgExp.MaxRetries = 10 // plenty of retries left; the window still wins
	s.Install(cfgExp)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case o := <-outcomes:
			if o.Fallback {
				assert.Equal(t, models.DigitReasonTimeout, o.Reason)
				assert.False(t, s.Active())
				return
			}
			// Inter-digit reprompts tick by until the overall window expires.
			assert.Equal(t, models.DigitReasonTimeout, o.Reason)
		case <-deadline:
			t.Fatal("overall timeout never fired")
		}
	}
}

func TestSessionIgnoresInputWhenIdle(t *testing.T) {
	s, outcomes := newTestSession(t)

	s.Press('1', models.SourceDTMF)
	s.Submit("123456", models.SourceGather)

	select {
	case o := <-outcomes:
		t.Fatalf("idle session produced an outcome: %+v", o)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSessionResumesRetriesOnReinstall(t *testing.T) {
	s, outcomes := newTestSession(t)
	exp := otpExpectation()
	exp.Retries = 2 // budget already spent before a restart
	s.Install(exp)

	s.Submit("123", models.SourceGather)
	o := waitOutcome(t, outcomes)
	assert.True(t, o.Fallback)
}
