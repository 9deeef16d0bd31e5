package digits

import (
	"sync"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// Outcome is one evaluated capture attempt. Digits is cleartext; callers run
// it through the Codec before anything persists.
type Outcome struct {
	CallSID   string
	Profile   models.DigitProfile
	PlanID    string
	StepIndex int

	Digits   string
	Len      int
	Source   models.DigitSource
	Accepted bool
	Reason   string

	// Reprompt is set when the attempt continues with another try.
	Reprompt string
	// Fallback marks the capture as over: retry budget exhausted or the
	// overall window expired.
	Fallback bool
	// Attempt counts evaluated tries for this expectation, 1-based.
	Attempt int
}

// Session drives digit capture for one call. Keypad digits stream in through
// Press, complete buffers (gather webhooks, normalized speech) through
// Submit; both feed the same acceptance rule and whichever completes first
// wins. Outcomes are handed to deliver, which must not block for long; the
// orchestrator points it at the call inbox.
type Session struct {
	callSID string
	cfg     *config.DigitsConfig
	deliver func(Outcome)

	mu         sync.Mutex
	exp        *models.Expectation
	buffer     []byte
	lastSource models.DigitSource
	recent     map[string]time.Time
	attempts   int

	interTimer   *time.Timer
	overallTimer *time.Timer
	interGen     uint64
	overallGen   uint64
}

// NewSession creates the capture session for one call.
func NewSession(callSID string, cfg *config.DigitsConfig, deliver func(Outcome)) *Session {
	return &Session{
		callSID: callSID,
		cfg:     cfg,
		deliver: deliver,
		recent:  make(map[string]time.Time),
	}
}

// Install makes exp the active expectation and arms the capture timers.
// Retries carried on the expectation survive a crash-recovery reinstall.
func (s *Session) Install(exp *models.Expectation) {
	cp := *exp
	s.mu.Lock()
	s.exp = &cp
	s.buffer = s.buffer[:0]
	s.lastSource = models.SourceDTMF
	s.attempts = cp.Retries
	s.armInterLocked()
	s.armOverallLocked()
	s.mu.Unlock()
}

// Stop cancels the capture without an outcome. Safe to call when idle.
func (s *Session) Stop() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

// Active reports whether an expectation is installed.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp != nil
}

// Current returns a copy of the active expectation, or nil.
func (s *Session) Current() *models.Expectation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exp == nil {
		return nil
	}
	cp := *s.exp
	return &cp
}

// Press feeds one keypad digit from the media stream. The terminator key or
// a full buffer triggers evaluation; otherwise the inter-digit timer resets.
func (s *Session) Press(key byte, source models.DigitSource) {
	s.mu.Lock()
	if s.exp == nil {
		s.mu.Unlock()
		return
	}
	s.lastSource = source

	if s.exp.Terminator != "" && key == s.exp.Terminator[0] {
		outcome, ok := s.evaluateLocked(string(s.buffer), source)
		s.mu.Unlock()
		if ok {
			s.deliver(outcome)
		}
		return
	}

	s.buffer = append(s.buffer, key)
	if len(s.buffer) >= s.exp.MaxLen && s.exp.Terminator == "" {
		outcome, ok := s.evaluateLocked(string(s.buffer), source)
		s.mu.Unlock()
		if ok {
			s.deliver(outcome)
		}
		return
	}

	s.armInterLocked()
	s.mu.Unlock()
}

// Submit feeds a complete buffer from a gather webhook or the speech path.
// A trailing terminator is stripped before evaluation.
func (s *Session) Submit(buffer string, source models.DigitSource) {
	s.mu.Lock()
	if s.exp == nil {
		s.mu.Unlock()
		return
	}
	if s.exp.Terminator != "" {
		buffer = trimSuffixByte(buffer, s.exp.Terminator[0])
	}
	outcome, ok := s.evaluateLocked(buffer, source)
	s.mu.Unlock()
	if ok {
		s.deliver(outcome)
	}
}

// evaluateLocked runs the acceptance rule and advances the retry ladder.
// The bool result is false when the buffer was suppressed as a dual-source
// duplicate.
func (s *Session) evaluateLocked(buffer string, source models.DigitSource) (Outcome, bool) {
	now := time.Now()
	s.pruneRecentLocked(now)
	if seen, ok := s.recent[buffer]; ok && now.Sub(seen) < s.cfg.DedupeWindow {
		// The duplicate consumed the buffer and possibly the pause timer;
		// re-arm it so capture keeps moving instead of idling until the
		// overall window.
		s.buffer = s.buffer[:0]
		s.armInterLocked()
		return Outcome{}, false
	}
	s.recent[buffer] = now

	s.buffer = s.buffer[:0]
	s.attempts++
	reason := Validate(s.exp, buffer)
	outcome := Outcome{
		CallSID:   s.callSID,
		Profile:   s.exp.Profile,
		PlanID:    s.exp.PlanID,
		StepIndex: s.exp.PlanStepIndex,
		Digits:    buffer,
		Len:       len(buffer),
		Source:    source,
		Reason:    reason,
		Attempt:   s.attempts,
	}

	if reason == models.DigitReasonOK {
		outcome.Accepted = true
		s.clearLocked()
		return outcome, true
	}

	if s.exp.Retries < s.exp.MaxRetries {
		s.exp.Retries++
		outcome.Reprompt = RepromptText(s.exp, s.exp.Retries)
		s.armInterLocked()
		return outcome, true
	}

	outcome.Fallback = true
	s.clearLocked()
	return outcome, true
}

// interDigitExpired fires when the caller pauses. A buffer that already
// satisfies the minimum length is treated as complete; anything shorter
// walks the reprompt ladder as a timeout.
func (s *Session) interDigitExpired(gen uint64) {
	s.mu.Lock()
	if s.exp == nil || gen != s.interGen {
		s.mu.Unlock()
		return
	}

	if len(s.buffer) >= s.exp.MinLen {
		outcome, ok := s.evaluateLocked(string(s.buffer), s.lastSource)
		s.mu.Unlock()
		if ok {
			s.deliver(outcome)
		}
		return
	}

	s.buffer = s.buffer[:0]
	s.attempts++
	outcome := Outcome{
		CallSID:   s.callSID,
		Profile:   s.exp.Profile,
		PlanID:    s.exp.PlanID,
		StepIndex: s.exp.PlanStepIndex,
		Source:    s.lastSource,
		Reason:    models.DigitReasonTimeout,
		Attempt:   s.attempts,
	}
	if s.exp.Retries < s.exp.MaxRetries {
		s.exp.Retries++
		outcome.Reprompt = RepromptText(s.exp, s.exp.Retries)
		s.armInterLocked()
	} else {
		outcome.Fallback = true
		s.clearLocked()
	}
	s.mu.Unlock()
	s.deliver(outcome)
}

// overallExpired ends the capture regardless of remaining retries.
func (s *Session) overallExpired(gen uint64) {
	s.mu.Lock()
	if s.exp == nil || gen != s.overallGen {
		s.mu.Unlock()
		return
	}
	s.attempts++
	outcome := Outcome{
		CallSID:   s.callSID,
		Profile:   s.exp.Profile,
		PlanID:    s.exp.PlanID,
		StepIndex: s.exp.PlanStepIndex,
		Source:    s.lastSource,
		Reason:    models.DigitReasonTimeout,
		Fallback:  true,
		Attempt:   s.attempts,
	}
	s.clearLocked()
	s.mu.Unlock()
	s.deliver(outcome)
}

func (s *Session) armInterLocked() {
	if s.interTimer != nil {
		s.interTimer.Stop()
	}
	s.interGen++
	gen := s.interGen
	s.interTimer = time.AfterFunc(s.cfg.InterDigitTimeout, func() { s.interDigitExpired(gen) })
}

func (s *Session) armOverallLocked() {
	if s.overallTimer != nil {
		s.overallTimer.Stop()
	}
	s.overallGen++
	gen := s.overallGen
	s.overallTimer = time.AfterFunc(s.cfg.OverallTimeout, func() { s.overallExpired(gen) })
}

func (s *Session) clearLocked() {
	s.exp = nil
	s.buffer = s.buffer[:0]
	if s.interTimer != nil {
		s.interTimer.Stop()
		s.interTimer = nil
	}
	if s.overallTimer != nil {
		s.overallTimer.Stop()
		s.overallTimer = nil
	}
	s.interGen++
	s.overallGen++
}

func (s *Session) pruneRecentLocked(now time.Time) {
	for k, at := range s.recent {
		if now.Sub(at) >= s.cfg.DedupeWindow {
			delete(s.recent, k)
		}
	}
}

func trimSuffixByte(v string, b byte) string {
	if len(v) > 0 && v[len(v)-1] == b {
		return v[:len(v)-1]
	}
	return v
}
