package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/digits"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
)

const (
	// sendTimeout bounds how long a producer blocks on a full call inbox.
	sendTimeout = 2 * time.Second

	// historyLimit caps the conversation window handed to the responder.
	historyLimit = 40
)

// closeGrace is how long a closing call waits for the carrier's ended
// webhook before forcing the terminal transition itself.
var closeGrace = 15 * time.Second

// mediaSession is the slice of the media pump a call task drives.
// *stream.Pump satisfies it.
type mediaSession interface {
	Say(ctx context.Context, text string) (string, error)
	CancelPlayback()
}

// taskMsg is anything a call task accepts on its inbox.
type taskMsg interface{ taskMsg() }

type dialMsg struct{ attempt int }
type carrierMsg struct{ ev *providers.WebhookEvent }
type attachMsg struct{ media mediaSession }
type firstMediaMsg struct{}
type mediaTimeoutMsg struct{ gen int }
type answerSLOMsg struct{ gen int }
type utteranceMsg struct {
	text       string
	final      bool
	confidence float64
}
type outcomeMsg struct{ o digits.Outcome }
type playbackDoneMsg struct {
	mark        string
	interrupted bool
}
type spokenMsg struct {
	mark string
	then func()
	err  error
}
type replyMsg struct {
	text string
	err  error
}
type sttFailureMsg struct{ consecutive int }
type streamClosedMsg struct {
	err  error
	pump mediaSession
}
type scriptMsg struct{ prompt, firstMessage string }
type planMsg struct{ plan *models.CollectionPlan }
type fallbackMsg struct{}
type endMsg struct{ reason string }
type closeTimeoutMsg struct{ gen int }
type resumeMsg struct{}

func (dialMsg) taskMsg()         {}
func (carrierMsg) taskMsg()      {}
func (attachMsg) taskMsg()       {}
func (firstMediaMsg) taskMsg()   {}
func (mediaTimeoutMsg) taskMsg() {}
func (answerSLOMsg) taskMsg()    {}
func (utteranceMsg) taskMsg()    {}
func (outcomeMsg) taskMsg()      {}
func (playbackDoneMsg) taskMsg() {}
func (spokenMsg) taskMsg()       {}
func (replyMsg) taskMsg()        {}
func (sttFailureMsg) taskMsg()   {}
func (streamClosedMsg) taskMsg() {}
func (scriptMsg) taskMsg()       {}
func (planMsg) taskMsg()         {}
func (fallbackMsg) taskMsg()     {}
func (endMsg) taskMsg()          {}
func (closeTimeoutMsg) taskMsg() {}
func (resumeMsg) taskMsg()       {}

// Transition log payloads.
type originateData struct {
	To       string `json:"to"`
	Provider string `json:"provider"`
	Attempt  int    `json:"attempt,omitempty"`
}

type carrierData struct {
	Event         string `json:"event"`
	CarrierStatus string `json:"carrier_status,omitempty"`
	AnsweredBy    string `json:"answered_by,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ElapsedMS     int64  `json:"elapsed_ms,omitempty"`
}

type errorData struct {
	Attempt   int    `json:"attempt,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	RetryInMS int64  `json:"retry_in_ms,omitempty"`
}

type expectationData struct {
	Profile   string `json:"profile"`
	MinLen    int    `json:"min_len"`
	MaxLen    int    `json:"max_len"`
	PlanID    string `json:"plan_id,omitempty"`
	StepIndex int    `json:"step_index"`
}

type digitsData struct {
	Profile      string `json:"profile,omitempty"`
	Len          int    `json:"len,omitempty"`
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
	Masked       string `json:"masked,omitempty"`
	StepIndex    int    `json:"step_index"`
	PlanComplete bool   `json:"plan_complete,omitempty"`
}

type scriptData struct {
	PromptLen       int  `json:"prompt_len,omitempty"`
	FirstMessageSet bool `json:"first_message_set,omitempty"`
}

type closeData struct {
	Reason string `json:"reason"`
}

// callTask owns all mutable state for one call. Every field below the inbox
// is touched only by the run goroutine; outside code communicates through
// send. One task per call SID, registered on the Manager.
type callTask struct {
	m   *Manager
	log *slog.Logger

	sid          string
	direction    models.CallDirection
	to           string
	from         string
	prompt       string
	firstMessage string

	inbox  chan taskMsg
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	session *digits.Session

	// Run-goroutine state.
	status         models.CallStatus
	provider       string
	providerCallID string
	adapter        providers.Adapter
	tracker        *providers.Tracker
	answeredBy     models.AnsweredBy
	errorCode      string
	endReason      string
	voicemailDrop  bool

	media        mediaSession
	fallbackMode bool

	pendingPlan *models.CollectionPlan
	plan        *models.CollectionPlan
	planStep    int

	// afterPlay keys playback continuations by synthesis mark;
	// finishedMarks absorbs the race where the carrier acks a mark before
	// the synthesis goroutine reports it.
	afterPlay     map[string]func()
	finishedMarks map[string]bool

	dialedAt   time.Time
	ringingAt  time.Time
	answeredAt time.Time

	mediaTimer  *time.Timer
	mediaGen    int
	answerTimer *time.Timer
	answerGen   int
	closeTimer  *time.Timer
	closeGen    int
	retryTimer  *time.Timer

	responding   bool
	history      []models.TranscriptEntry
	interactions int

	digitCount int
	digitNotes []string

	sloAnswerFired bool
	sloSTTFired    bool

	pendingCarrierStatus string
	notifyPriority       models.NotificationPriority
	halted               bool
}

func newCallTask(m *Manager, call *models.Call) *callTask {
	t := &callTask{
		m:              m,
		log:            m.logger.With("call_sid", call.CallSID),
		sid:            call.CallSID,
		direction:      call.Direction,
		to:             call.PhoneNumber,
		prompt:         call.Prompt,
		firstMessage:   call.FirstMessage,
		inbox:          make(chan taskMsg, m.cfg.Telephony.CallInboxSize),
		done:           make(chan struct{}),
		now:            time.Now,
		status:         call.Status,
		provider:       call.Provider,
		providerCallID: call.ProviderCallID,
		answeredBy:     call.AnsweredBy,
		errorCode:      call.ErrorCode,
		digitCount:     call.DigitCount,
		afterPlay:      make(map[string]func()),
		finishedMarks:  make(map[string]bool),
	}
	if call.StartedAt != nil {
		t.answeredAt = *call.StartedAt
	}
	if call.DigitSummary != "" {
		t.digitNotes = strings.Fields(call.DigitSummary)
	}
	t.session = digits.NewSession(call.CallSID, m.cfg.Digits, t.deliverOutcome)
	if a, err := m.registry.Get(call.Provider); err == nil {
		t.adapter = a
		t.tracker = m.trackerFor(call.Provider)
	}
	return t
}

// send enqueues a message for the run goroutine. It fails fast when the task
// has finished, and with ErrInboxFull when the inbox stays full past the send
// timeout.
func (t *callTask) send(msg taskMsg) error {
	select {
	case <-t.done:
		return ErrCallFinished
	default:
	}
	select {
	case t.inbox <- msg:
		return nil
	default:
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case t.inbox <- msg:
		return nil
	case <-t.done:
		return ErrCallFinished
	case <-timer.C:
		return ErrInboxFull
	}
}

// recover nudges an adopted task to pick up where the previous pod stopped.
func (t *callTask) recover() {
	if err := t.send(resumeMsg{}); err != nil {
		t.log.Warn("Failed to queue resume", "error", err)
	}
}

// deliverOutcome is the digit session's delivery callback. It runs on session
// timer goroutines and must not block.
func (t *callTask) deliverOutcome(o digits.Outcome) {
	if err := t.send(outcomeMsg{o: o}); err != nil {
		t.log.Warn("Dropped digit outcome", "accepted", o.Accepted, "error", err)
	}
}

func (t *callTask) run(ctx context.Context) {
	t.log.Info("Call task started",
		"status", string(t.status), "direction", string(t.direction))
	for {
		select {
		case <-ctx.Done():
			// Shutdown: leave the row untouched so the next pod resumes it.
			t.teardown()
			return
		case msg := <-t.inbox:
			t.handle(ctx, msg)
			if t.halted {
				t.finish()
				return
			}
		}
	}
}

func (t *callTask) handle(ctx context.Context, msg taskMsg) {
	switch m := msg.(type) {
	case dialMsg:
		t.handleDial(ctx, m.attempt)
	case carrierMsg:
		t.handleCarrier(ctx, m.ev)
	case attachMsg:
		t.handleAttach(m.media)
	case firstMediaMsg:
		t.handleFirstMedia(ctx)
	case mediaTimeoutMsg:
		t.handleMediaTimeout(ctx, m.gen)
	case answerSLOMsg:
		t.handleAnswerSLO(ctx, m.gen)
	case utteranceMsg:
		t.handleUtterance(ctx, m)
	case outcomeMsg:
		t.handleOutcome(ctx, m.o)
	case playbackDoneMsg:
		t.handlePlaybackDone(m)
	case spokenMsg:
		t.handleSpoken(m)
	case replyMsg:
		t.handleReply(ctx, m)
	case sttFailureMsg:
		t.handleSTTFailure(ctx, m.consecutive)
	case streamClosedMsg:
		t.handleStreamClosed(ctx, m)
	case scriptMsg:
		t.handleScript(ctx, m)
	case planMsg:
		t.handlePlan(ctx, m.plan)
	case fallbackMsg:
		t.handleFallback(ctx)
	case endMsg:
		t.handleEnd(ctx, m.reason)
	case closeTimeoutMsg:
		t.handleCloseTimeout(ctx, m.gen)
	case resumeMsg:
		t.handleResume(ctx)
	}
}

// transition appends one state transition and mirrors it into task state.
// A terminal row in the database halts the task: some other actor (another
// pod, a racing webhook) already closed the call.
func (t *callTask) transition(ctx context.Context, state models.CallStatus, kind string, data any, update *services.CallUpdate) bool {
	if update == nil {
		update = &services.CallUpdate{}
	}
	if t.pendingCarrierStatus != "" && update.CarrierStatus == nil {
		cs := t.pendingCarrierStatus
		update.CarrierStatus = &cs
	}
	_, err := t.m.calls.AppendTransition(ctx, t.sid, state, kind, mustJSON(data), update)
	if err != nil {
		if errors.Is(err, services.ErrTerminalState) {
			t.log.Warn("Call already terminal; halting task", "target", string(state))
			t.halted = true
			return false
		}
		t.log.Error("Failed to append transition",
			"target", string(state), "kind", kind, "error", err)
		return false
	}
	t.pendingCarrierStatus = ""
	t.status = state
	if update.ErrorCode != nil {
		t.errorCode = *update.ErrorCode
	}
	if state.IsTerminal() {
		t.halted = true
	}
	return true
}

// fail moves the call to failed with an error code, stamping end timing.
func (t *callTask) fail(ctx context.Context, code string, data any) {
	now := t.now().UTC()
	update := &services.CallUpdate{ErrorCode: &code, EndedAt: &now}
	if !t.answeredAt.IsZero() {
		d := now.Sub(t.answeredAt).Milliseconds()
		update.DurationMS = &d
	}
	summary := t.buildSummary()
	update.Summary = &summary
	t.transition(ctx, models.CallStatusFailed, models.TransitionKindError, data, update)
}

// --- dialing ---

func (t *callTask) handleDial(ctx context.Context, attempt int) {
	if t.status != models.CallStatusCreated {
		return // stale retry timer; the carrier already moved the call
	}
	adapter, tracker, err := t.m.registry.Select()
	if err != nil {
		t.dialFailed(ctx, attempt, err)
		return
	}
	t.adapter, t.tracker = adapter, tracker
	t.provider = adapter.Name()
	t.dialedAt = t.now()

	req := providers.OriginateRequest{
		CallSID:                 t.sid,
		To:                      t.to,
		From:                    t.from,
		MachineDetection:        true,
		MachineDetectionTimeout: t.m.cfg.Telephony.MachineDetection.Timeout,
	}
	var resp *providers.OriginateResponse
	opCtx, cancel := context.WithTimeout(ctx, t.m.cfg.Telephony.AdapterTimeout)
	err = tracker.Do(opCtx, "originate", func(c context.Context) error {
		r, oerr := adapter.Originate(c, req)
		if oerr != nil {
			return oerr
		}
		resp = r
		return nil
	})
	cancel()
	if err != nil {
		t.dialFailed(ctx, attempt, err)
		return
	}

	t.providerCallID = resp.ProviderCallID
	update := &services.CallUpdate{
		Provider:       &t.provider,
		ProviderCallID: &resp.ProviderCallID,
	}
	if resp.CarrierStatus != "" {
		update.CarrierStatus = &resp.CarrierStatus
	}
	if t.transition(ctx, models.CallStatusDialing, models.TransitionKindOriginate,
		originateData{To: t.to, Provider: t.provider, Attempt: attempt}, update) {
		t.log.Info("Call dialing",
			"provider", t.provider, "attempt", attempt,
			"provider_call_id", resp.ProviderCallID)
		t.armAnswerSLO()
	}
}

func (t *callTask) dialFailed(ctx context.Context, attempt int, err error) {
	retry := t.m.cfg.Telephony.OriginateRetry
	transient := providers.IsTransient(err) || errors.Is(err, providers.ErrNoHealthyProvider)
	code := errorCode(err)

	t.log.Warn("Originate attempt failed",
		"provider", t.provider, "attempt", attempt,
		"transient", transient, "code", code, "error", err)

	if transient && attempt < retry.MaxAttempts {
		delay := originateBackoff(retry, attempt)
		t.transition(ctx, models.CallStatusCreated, models.TransitionKindError,
			errorData{Attempt: attempt, Provider: t.provider, Code: code,
				Message: err.Error(), RetryInMS: delay.Milliseconds()}, nil)
		if t.halted {
			return
		}
		t.retryTimer = time.AfterFunc(delay, func() {
			if serr := t.send(dialMsg{attempt: attempt + 1}); serr != nil {
				t.log.Warn("Failed to queue dial retry", "error", serr)
			}
		})
		return
	}

	// Permanent failure or retry budget exhausted.
	t.notifyPriority = models.PriorityUrgent
	t.fail(ctx, code, errorData{
		Attempt: attempt, Provider: t.provider, Code: code, Message: err.Error(),
	})
}

// errorCode extracts the stable failure code from a provider error.
func errorCode(err error) string {
	var perr *providers.Error
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}
	if errors.Is(err, providers.ErrNoHealthyProvider) {
		return "no_healthy_provider"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "provider_error"
}

func originateBackoff(retry config.OriginateRetryConfig, attempt int) time.Duration {
	return retry.Policy().Delay(attempt)
}

// --- carrier events ---

func (t *callTask) handleCarrier(ctx context.Context, ev *providers.WebhookEvent) {
	if t.status.IsTerminal() {
		return
	}
	if ev.ProviderCallID != "" && t.providerCallID == "" {
		t.providerCallID = ev.ProviderCallID
	}
	switch ev.Type {
	case providers.EventRinging:
		t.handleRinging(ctx, ev)
	case providers.EventAnswered:
		t.handleAnswered(ctx, ev)
	case providers.EventEnded:
		t.handleEnded(ctx, ev)
	case providers.EventStatus:
		// Informational; folded into the next transition's carrier_status.
		if ev.CarrierStatus != "" {
			t.pendingCarrierStatus = ev.CarrierStatus
		}
	default:
		t.log.Warn("Unhandled carrier event on task", "type", ev.Type)
	}
}

func (t *callTask) handleRinging(ctx context.Context, ev *providers.WebhookEvent) {
	if t.status.Rank() >= models.CallStatusRinging.Rank() {
		return
	}
	t.ringingAt = t.now()
	update := &services.CallUpdate{}
	if ev.CarrierStatus != "" {
		update.CarrierStatus = &ev.CarrierStatus
	}
	t.transition(ctx, models.CallStatusRinging, models.TransitionKindCarrier,
		carrierData{Event: ev.Type, CarrierStatus: ev.CarrierStatus}, update)
}

func (t *callTask) handleAnswered(ctx context.Context, ev *providers.WebhookEvent) {
	if t.status.Rank() >= models.CallStatusAnswered.Rank() {
		return
	}
	now := t.now()
	nowUTC := now.UTC()
	answeredBy := ev.AnsweredBy
	if answeredBy == "" {
		answeredBy = models.AnsweredByUnknown
	}
	t.answeredBy = answeredBy
	t.answeredAt = now
	t.stopAnswerSLO()

	update := &services.CallUpdate{AnsweredBy: &answeredBy, StartedAt: &nowUTC}
	if ev.CarrierStatus != "" {
		update.CarrierStatus = &ev.CarrierStatus
	}
	if !t.dialedAt.IsZero() {
		ad := now.Sub(t.dialedAt).Milliseconds()
		update.AnswerDelayMS = &ad
	}
	if !t.ringingAt.IsZero() {
		rm := now.Sub(t.ringingAt).Milliseconds()
		update.RingMS = &rm
	}
	data := carrierData{Event: ev.Type, CarrierStatus: ev.CarrierStatus,
		AnsweredBy: string(answeredBy)}

	if answeredBy == models.AnsweredByMachine {
		switch t.m.cfg.Telephony.MachineDetection.Policy {
		case config.MachinePolicyHangup:
			// The webhook response already told the carrier to hang up.
			code := "answering_machine"
			update.ErrorCode = &code
			update.EndedAt = &nowUTC
			summary := "answered by machine; hung up by policy"
			update.Summary = &summary
			t.transition(ctx, models.CallStatusEnded, models.TransitionKindCarrier, data, update)
			return
		case config.MachinePolicyVoicemailDrop:
			// The response document speaks the first message into voicemail
			// and lets the carrier complete the call. No stream follows.
			t.voicemailDrop = true
			if t.transition(ctx, models.CallStatusAnswered, models.TransitionKindCarrier, data, update) {
				t.appendAITranscript(ctx, t.firstMessage)
			}
			return
		}
	}

	if !t.transition(ctx, models.CallStatusAnswered, models.TransitionKindCarrier, data, update) {
		return
	}
	t.log.Info("Call answered",
		"answered_by", string(answeredBy),
		"answer_delay_ms", now.Sub(t.dialedAt).Milliseconds())
	t.armMediaTimer()
	t.notifyStarted(ctx)
}

func (t *callTask) handleEnded(ctx context.Context, ev *providers.WebhookEvent) {
	if t.status.IsTerminal() {
		return
	}
	now := t.now()
	nowUTC := now.UTC()
	data := carrierData{Event: ev.Type, CarrierStatus: ev.CarrierStatus, ErrorCode: ev.ErrorCode}
	update := &services.CallUpdate{EndedAt: &nowUTC}
	if ev.CarrierStatus != "" {
		update.CarrierStatus = &ev.CarrierStatus
	}

	if t.answeredAt.IsZero() {
		// Never connected: busy, no-answer, carrier failure, or cancel.
		code := ev.ErrorCode
		if code == "" {
			code = carrierEndCode(ev.CarrierStatus)
		}
		if code != "" {
			update.ErrorCode = &code
			summary := t.buildSummary()
			update.Summary = &summary
			t.transition(ctx, models.CallStatusFailed, models.TransitionKindCarrier, data, update)
			return
		}
		summary := t.buildSummary()
		update.Summary = &summary
		t.transition(ctx, models.CallStatusEnded, models.TransitionKindCarrier, data, update)
		return
	}

	d := now.Sub(t.answeredAt).Milliseconds()
	update.DurationMS = &d
	summary := t.buildSummary()
	update.Summary = &summary
	t.transition(ctx, models.CallStatusEnded, models.TransitionKindCarrier, data, update)
}

// carrierEndCode maps a terminal carrier status on a never-answered call to
// a stable error code. Empty means a clean end.
func carrierEndCode(carrierStatus string) string {
	switch carrierStatus {
	case "busy":
		return "busy"
	case "no-answer":
		return "no_answer"
	case "failed":
		return "carrier_error"
	case "canceled":
		return "canceled"
	default:
		return ""
	}
}

// --- media stream ---

func (t *callTask) handleAttach(media mediaSession) {
	t.media = media
	t.fallbackMode = false
	t.log.Info("Media stream attached")
}

func (t *callTask) handleFirstMedia(ctx context.Context) {
	if t.status.IsTerminal() || t.status == models.CallStatusClosing {
		return
	}
	if t.status == models.CallStatusStreaming || t.status == models.CallStatusDigitCapture {
		// A replacement stream after a retry.
		t.publishStreamHealth(ctx, events.StreamRecovered, "stream reconnected")
		return
	}
	now := t.now()
	if t.status.Rank() < models.CallStatusAnswered.Rank() {
		// Media beat the carrier's status callback; media implies pickup.
		nowUTC := now.UTC()
		t.answeredAt = now
		t.answeredBy = models.AnsweredByUnknown
		t.stopAnswerSLO()
		update := &services.CallUpdate{AnsweredBy: &t.answeredBy, StartedAt: &nowUTC}
		if !t.transition(ctx, models.CallStatusAnswered, models.TransitionKindCarrier,
			carrierData{Event: "media"}, update) {
			return
		}
		t.notifyStarted(ctx)
	}

	t.stopMediaTimer()
	observed := now.Sub(t.answeredAt)
	if !t.transition(ctx, models.CallStatusStreaming, models.TransitionKindCarrier,
		carrierData{Event: "media", ElapsedMS: observed.Milliseconds()}, nil) {
		return
	}
	t.publishStreamHealth(ctx, events.StreamConnected, "")
	if limit := t.m.cfg.Telephony.SLO.FirstMediaTimeout; limit > 0 && observed > limit {
		t.sloViolation(ctx, "first_media", limit, observed, 0)
	}

	msg := t.firstMessage
	pending := t.pendingPlan
	t.pendingPlan = nil
	if msg == "" {
		if pending != nil {
			t.beginPlan(ctx, pending)
		}
		return
	}
	t.speak(ctx, msg, func() {
		if pending != nil {
			t.beginPlan(ctx, pending)
		}
	})
}

func (t *callTask) handleMediaTimeout(ctx context.Context, gen int) {
	if gen != t.mediaGen || t.status != models.CallStatusAnswered || t.voicemailDrop {
		return
	}
	t.log.Warn("No media after answer; failing call",
		"timeout", t.m.cfg.Telephony.MediaTimeout.String())
	t.fail(ctx, "no_media", carrierData{Event: "media_timeout"})
	t.terminateCarrier()
}

func (t *callTask) handleStreamClosed(ctx context.Context, m streamClosedMsg) {
	if t.media != nil && t.media != m.pump {
		return // a stale pump from a reconnect race
	}
	t.media = nil
	if t.halted || t.status.IsTerminal() || t.status == models.CallStatusClosing || t.fallbackMode {
		return
	}
	if t.status != models.CallStatusStreaming && t.status != models.CallStatusDigitCapture {
		return
	}
	if m.err != nil {
		t.log.Warn("Media stream closed with error", "error", m.err)
		t.publishStreamHealth(ctx, events.StreamDegraded, m.err.Error())
		return
	}
	// Clean stop usually precedes the carrier's ended webhook.
	t.publishStreamHealth(ctx, events.StreamClosed, "")
}

func (t *callTask) handleSTTFailure(ctx context.Context, consecutive int) {
	limit := t.m.cfg.Telephony.SLO.STTFailureLimit
	if limit <= 0 || consecutive < limit || t.sloSTTFired {
		return
	}
	t.sloSTTFired = true
	t.sloViolation(ctx, "stt_failures", 0, 0, consecutive)
	t.publishStreamHealth(ctx, events.StreamDegraded,
		fmt.Sprintf("%d consecutive transcription failures", consecutive))
}

func (t *callTask) handleFallback(ctx context.Context) {
	if t.fallbackMode || t.halted {
		return
	}
	switch t.status {
	case models.CallStatusAnswered, models.CallStatusStreaming, models.CallStatusDigitCapture:
	default:
		return
	}
	t.fallbackMode = true
	t.stopMediaTimer()
	if t.media != nil {
		t.media.CancelPlayback()
		t.media = nil
	}
	t.publishStreamHealth(ctx, events.StreamFallback, "carrier document mode")
	if t.session.Active() {
		t.redirectToGather()
	}
}

// --- speech ---

// speak records one AI line and synthesizes it over the stream. then, when
// set, runs after the carrier finishes playing the line (immediately in
// fallback mode, where the carrier speaks from documents instead).
func (t *callTask) speak(ctx context.Context, text string, then func()) {
	if text == "" {
		if then != nil {
			then()
		}
		return
	}
	t.appendAITranscript(ctx, text)
	if t.media == nil {
		if then != nil {
			then()
		}
		return
	}
	media := t.media
	taskCtx := t.ctx
	go func() {
		mark, err := media.Say(taskCtx, text)
		if serr := t.send(spokenMsg{mark: mark, then: then, err: err}); serr != nil && then != nil {
			t.log.Warn("Dropped playback continuation", "error", serr)
		}
	}()
}

func (t *callTask) handleSpoken(m spokenMsg) {
	if m.err != nil {
		t.log.Warn("Failed to synthesize speech", "error", m.err)
		if m.then != nil {
			m.then() // keep plans moving even when TTS is down
		}
		return
	}
	if m.then == nil {
		return
	}
	if t.finishedMarks[m.mark] {
		delete(t.finishedMarks, m.mark)
		m.then()
		return
	}
	t.afterPlay[m.mark] = m.then
}

func (t *callTask) handlePlaybackDone(m playbackDoneMsg) {
	if fn, ok := t.afterPlay[m.mark]; ok {
		delete(t.afterPlay, m.mark)
		// Continuations run even when barge-in cut the line short; a
		// close-after-speak must still close.
		fn()
		return
	}
	t.finishedMarks[m.mark] = true
}

func (t *callTask) appendAITranscript(ctx context.Context, text string) {
	if text == "" {
		return
	}
	t.interactions++
	entry := &models.TranscriptEntry{
		CallSID:          t.sid,
		Speaker:          models.SpeakerAI,
		Message:          t.m.masker.Transcript(text),
		Final:            true,
		InteractionCount: t.interactions,
	}
	saved, err := t.m.transcripts.Append(ctx, entry)
	if err != nil {
		t.log.Error("Failed to append transcript", "speaker", "ai", "error", err)
		saved = entry
	}
	t.pushHistory(*saved)
}

func (t *callTask) handleUtterance(ctx context.Context, m utteranceMsg) {
	if t.halted || t.status.IsTerminal() {
		return
	}
	entry := &models.TranscriptEntry{
		CallSID:          t.sid,
		Speaker:          models.SpeakerUser,
		Message:          t.m.masker.Transcript(m.text),
		Final:            m.final,
		Confidence:       m.confidence,
		InteractionCount: t.interactions,
	}
	saved, err := t.m.transcripts.Append(ctx, entry)
	if err != nil {
		t.log.Error("Failed to append transcript", "speaker", "user", "error", err)
		saved = entry
	}
	if !m.final {
		return
	}
	t.pushHistory(*saved)

	if t.session.Active() {
		// During capture the caller may read digits aloud.
		if normalized := digits.NormalizeSpoken(m.text); normalized != "" {
			t.session.Submit(normalized, models.SourceSpoken)
		}
		return
	}
	if t.status != models.CallStatusStreaming {
		return
	}
	t.respond()
}

func (t *callTask) respond() {
	if t.m.responder == nil || t.responding {
		return
	}
	t.responding = true
	prompt := t.prompt
	history := make([]models.TranscriptEntry, len(t.history))
	copy(history, t.history)
	responder := t.m.responder
	taskCtx := t.ctx
	go func() {
		rctx, cancel := context.WithTimeout(taskCtx, 15*time.Second)
		defer cancel()
		text, err := responder.Reply(rctx, prompt, history)
		if serr := t.send(replyMsg{text: text, err: err}); serr != nil {
			t.log.Warn("Dropped AI reply", "error", serr)
		}
	}()
}

func (t *callTask) handleReply(ctx context.Context, m replyMsg) {
	t.responding = false
	if m.err != nil {
		t.log.Warn("Responder failed", "error", m.err)
		return
	}
	// Digits may have started while the reply was generating.
	if t.status != models.CallStatusStreaming || t.session.Active() {
		return
	}
	t.speak(ctx, m.text, nil)
}

func (t *callTask) pushHistory(entry models.TranscriptEntry) {
	t.history = append(t.history, entry)
	if len(t.history) > historyLimit {
		t.history = append(t.history[:0], t.history[len(t.history)-historyLimit:]...)
	}
}

// --- digit capture ---

func (t *callTask) handlePlan(ctx context.Context, plan *models.CollectionPlan) {
	switch t.status {
	case models.CallStatusCreated, models.CallStatusDialing,
		models.CallStatusRinging, models.CallStatusAnswered:
		t.pendingPlan = plan
		return
	case models.CallStatusStreaming, models.CallStatusDigitCapture:
	default:
		t.log.Warn("Dropped collection plan", "status", string(t.status))
		return
	}
	if t.session.Active() {
		t.log.Warn("Replacing active collection plan",
			"old_plan", planID(t.plan), "new_plan", plan.PlanID)
		t.session.Stop()
	}
	t.beginPlan(ctx, plan)
}

func planID(plan *models.CollectionPlan) string {
	if plan == nil {
		return ""
	}
	return plan.PlanID
}

func (t *callTask) beginPlan(ctx context.Context, plan *models.CollectionPlan) {
	t.plan = plan
	t.planStep = 0
	t.log.Info("Collection plan started",
		"plan_id", plan.PlanID, "steps", len(plan.Steps))
	t.installStep(ctx, 0)
}

func (t *callTask) installStep(ctx context.Context, idx int) {
	step := t.plan.Steps[idx]
	exp := &models.Expectation{
		CallSID:          t.sid,
		Profile:          step.Profile,
		MinLen:           step.MinLen,
		MaxLen:           step.MaxLen,
		Terminator:       step.Terminator,
		PlanID:           t.plan.PlanID,
		PlanStepIndex:    idx,
		EndCallOnSuccess: t.plan.EndCallOnSuccess,
		Prompt:           step.Prompt,
		FailureMessage:   t.plan.FailureMessage,
	}
	if len(step.Reprompts) > 0 {
		exp.Reprompt = step.Reprompts[0]
	}
	digits.ApplyProfileBounds(exp, t.m.cfg.Digits.MaxRetries)

	// The persisted mirror is what lets a restarted pod resume capture.
	if _, err := t.m.digitStore.SetExpectation(ctx, exp); err != nil {
		t.log.Error("Failed to persist expectation", "error", err)
	}
	if !t.transition(ctx, models.CallStatusDigitCapture, models.TransitionKindExpectation,
		expectationData{Profile: string(exp.Profile), MinLen: exp.MinLen,
			MaxLen: exp.MaxLen, PlanID: exp.PlanID, StepIndex: idx}, nil) {
		return
	}
	t.session.Install(exp)

	prompt := exp.Prompt
	if prompt == "" {
		prompt = digits.RepromptText(exp, 1)
	}
	t.speak(ctx, prompt, nil)
	if t.media == nil || t.fallbackMode {
		t.redirectToGather()
	}
}

func (t *callTask) handleOutcome(ctx context.Context, o digits.Outcome) {
	if t.halted || t.status.IsTerminal() {
		return
	}
	protected, err := t.m.codec.Protect(o.Digits)
	if err != nil {
		t.log.Error("Failed to protect digit buffer", "error", err)
		protected = ""
	}
	masked := digits.Mask(o.Digits)

	event := &models.DigitEvent{
		CallSID:  t.sid,
		Source:   o.Source,
		Profile:  o.Profile,
		Digits:   protected,
		Len:      o.Len,
		Accepted: o.Accepted,
		Reason:   o.Reason,
		Metadata: map[string]string{"attempt": strconv.Itoa(o.Attempt)},
	}
	if o.PlanID != "" {
		event.Metadata["plan_id"] = o.PlanID
	}
	payload := events.DigitPayload{
		Source:    o.Source,
		Profile:   o.Profile,
		Len:       o.Len,
		Accepted:  o.Accepted,
		Reason:    o.Reason,
		Masked:    masked,
		PlanID:    o.PlanID,
		StepIndex: o.StepIndex,
	}
	if _, err := t.m.digitStore.RecordDigitEvent(ctx, event, payload); err != nil {
		t.log.Error("Failed to record digit event", "error", err)
	}

	switch {
	case o.Accepted:
		t.acceptDigits(ctx, o, masked, protected)
	case o.Fallback:
		t.failCapture(ctx, o)
	default:
		// Rejected with retry budget left; the session re-armed itself.
		t.log.Info("Digits rejected",
			"reason", o.Reason, "attempt", o.Attempt, "len", o.Len)
		t.speak(ctx, o.Reprompt, nil)
		if (t.media == nil || t.fallbackMode) && o.Source != models.SourceGather {
			t.redirectToGather()
		}
	}
}

func (t *callTask) acceptDigits(ctx context.Context, o digits.Outcome, masked, protected string) {
	t.digitCount += o.Len
	t.digitNotes = append(t.digitNotes, fmt.Sprintf("%s:%s", o.Profile, masked))
	summary := strings.Join(t.digitNotes, " ")

	update := &services.CallUpdate{DigitCount: &t.digitCount, DigitSummary: &summary}
	if o.Profile == models.ProfileVerification {
		update.LastOTP = &protected
		update.LastOTPMasked = &masked
	}
	if !t.transition(ctx, models.CallStatusDigitCapture, models.TransitionKindDigits,
		digitsData{Profile: string(o.Profile), Len: o.Len, Accepted: true,
			Masked: masked, StepIndex: o.StepIndex}, update) {
		return
	}
	if err := t.m.digitStore.ClearExpectation(ctx, t.sid); err != nil {
		t.log.Warn("Failed to clear expectation", "error", err)
	}
	t.log.Info("Digits accepted",
		"profile", string(o.Profile), "len", o.Len, "step", o.StepIndex)

	if t.plan != nil && t.planStep < len(t.plan.Steps)-1 {
		t.planStep++
		t.installStep(ctx, t.planStep)
		return
	}

	plan := t.plan
	t.plan = nil
	completion := ""
	endOnSuccess := false
	if plan != nil {
		completion = plan.CompletionMessage
		endOnSuccess = plan.EndCallOnSuccess
	}
	if endOnSuccess {
		t.speak(ctx, completion, func() {
			t.closeCall(ctx, "plan_complete")
		})
		return
	}
	if t.transition(ctx, models.CallStatusStreaming, models.TransitionKindDigits,
		digitsData{Accepted: true, StepIndex: o.StepIndex, PlanComplete: true}, nil) {
		t.speak(ctx, completion, nil)
	}
}

func (t *callTask) failCapture(ctx context.Context, o digits.Outcome) {
	msg := ""
	if exp := t.session.Current(); exp != nil && exp.FailureMessage != "" {
		msg = exp.FailureMessage
	} else if t.plan != nil && t.plan.FailureMessage != "" {
		msg = t.plan.FailureMessage
	}
	t.session.Stop()
	if err := t.m.digitStore.ClearExpectation(ctx, t.sid); err != nil {
		t.log.Warn("Failed to clear expectation", "error", err)
	}
	t.plan = nil
	t.log.Warn("Digit capture exhausted",
		"reason", o.Reason, "attempts", o.Attempt, "step", o.StepIndex)
	t.speak(ctx, msg, func() {
		t.fail(ctx, "digit_timeout",
			digitsData{Reason: o.Reason, StepIndex: o.StepIndex})
		t.terminateCarrier()
	})
}

// --- control plane ---

func (t *callTask) handleScript(ctx context.Context, m scriptMsg) {
	if t.halted || t.status.IsTerminal() || t.status == models.CallStatusClosing {
		return
	}
	data := scriptData{}
	update := &services.CallUpdate{}
	if m.prompt != "" {
		t.prompt = m.prompt
		update.Prompt = &m.prompt
		data.PromptLen = len(m.prompt)
	}
	if m.firstMessage != "" {
		t.firstMessage = m.firstMessage
		data.FirstMessageSet = true
	}
	t.transition(ctx, t.status, models.TransitionKindScript, data, update)
}

func (t *callTask) handleEnd(ctx context.Context, reason string) {
	if t.halted || t.status.IsTerminal() {
		return
	}
	if t.status == models.CallStatusClosing {
		// Idempotent close; give the carrier another nudge.
		t.terminateCarrier()
		t.armCloseTimer()
		return
	}
	t.endReason = reason
	if t.providerCallID == "" && t.status == models.CallStatusCreated {
		// Nothing exists at the carrier yet.
		t.stopRetryTimer()
		now := t.now().UTC()
		summary := t.buildSummary()
		t.transition(ctx, models.CallStatusEnded, models.TransitionKindClose,
			closeData{Reason: reason}, &services.CallUpdate{EndedAt: &now, Summary: &summary})
		return
	}
	if !t.transition(ctx, models.CallStatusClosing, models.TransitionKindClose,
		closeData{Reason: reason}, nil) {
		return
	}
	if t.media != nil {
		// Flush pending audio so the goodbye does not outlive the call.
		t.media.CancelPlayback()
	}
	t.session.Stop()
	t.terminateCarrier()
	t.armCloseTimer()
}

// closeCall speaks nothing; it is the post-playback continuation for closes
// that follow a final message.
func (t *callTask) closeCall(ctx context.Context, reason string) {
	if t.halted || t.status.IsTerminal() || t.status == models.CallStatusClosing {
		return
	}
	t.endReason = reason
	if !t.transition(ctx, models.CallStatusClosing, models.TransitionKindClose,
		closeData{Reason: reason}, nil) {
		return
	}
	t.session.Stop()
	t.terminateCarrier()
	t.armCloseTimer()
}

func (t *callTask) handleCloseTimeout(ctx context.Context, gen int) {
	if gen != t.closeGen || t.status != models.CallStatusClosing {
		return
	}
	t.log.Warn("Carrier never confirmed hangup; forcing ended")
	now := t.now().UTC()
	update := &services.CallUpdate{EndedAt: &now}
	if !t.answeredAt.IsZero() {
		d := now.Sub(t.answeredAt.UTC()).Milliseconds()
		update.DurationMS = &d
	}
	summary := t.buildSummary()
	update.Summary = &summary
	t.transition(ctx, models.CallStatusEnded, models.TransitionKindClose,
		closeData{Reason: "carrier_silent"}, update)
}

func (t *callTask) handleResume(ctx context.Context) {
	t.log.Info("Resuming call", "status", string(t.status))
	switch t.status {
	case models.CallStatusCreated:
		if t.direction == models.DirectionOutbound {
			// The attempt counter does not survive a restart; the budget
			// applies per pod lifetime.
			t.handleDial(ctx, 1)
		}
	case models.CallStatusAnswered:
		t.armMediaTimer()
	case models.CallStatusClosing:
		t.terminateCarrier()
		t.armCloseTimer()
	}
	// dialing/ringing wait on carrier webhooks; streaming states wait for
	// the stream to reconnect or the carrier to report the call ended.
}

// --- timers ---

func (t *callTask) armMediaTimer() {
	t.mediaGen++
	gen := t.mediaGen
	t.stopTimer(t.mediaTimer)
	t.mediaTimer = time.AfterFunc(t.m.cfg.Telephony.MediaTimeout, func() {
		_ = t.send(mediaTimeoutMsg{gen: gen})
	})
}

func (t *callTask) stopMediaTimer() {
	t.mediaGen++
	t.stopTimer(t.mediaTimer)
}

func (t *callTask) armAnswerSLO() {
	limit := t.m.cfg.Telephony.SLO.AnswerDelayMax
	if limit <= 0 {
		return
	}
	t.answerGen++
	gen := t.answerGen
	t.stopTimer(t.answerTimer)
	t.answerTimer = time.AfterFunc(limit, func() {
		_ = t.send(answerSLOMsg{gen: gen})
	})
}

func (t *callTask) stopAnswerSLO() {
	t.answerGen++
	t.stopTimer(t.answerTimer)
}

func (t *callTask) handleAnswerSLO(ctx context.Context, gen int) {
	if gen != t.answerGen || t.sloAnswerFired {
		return
	}
	if t.status != models.CallStatusDialing && t.status != models.CallStatusRinging {
		return
	}
	t.sloAnswerFired = true
	observed := t.m.cfg.Telephony.SLO.AnswerDelayMax
	if !t.dialedAt.IsZero() {
		observed = t.now().Sub(t.dialedAt)
	}
	t.sloViolation(ctx, "answer_delay", t.m.cfg.Telephony.SLO.AnswerDelayMax, observed, 0)
}

func (t *callTask) armCloseTimer() {
	t.closeGen++
	gen := t.closeGen
	t.stopTimer(t.closeTimer)
	t.closeTimer = time.AfterFunc(closeGrace, func() {
		_ = t.send(closeTimeoutMsg{gen: gen})
	})
}

func (t *callTask) stopRetryTimer() {
	t.stopTimer(t.retryTimer)
}

func (t *callTask) stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

func (t *callTask) stopAllTimers() {
	t.stopTimer(t.mediaTimer)
	t.stopTimer(t.answerTimer)
	t.stopTimer(t.closeTimer)
	t.stopTimer(t.retryTimer)
}

// --- carrier side effects ---

// terminateCarrier hangs up the carrier leg off the task goroutine. Failures
// are logged; the close timer forces the terminal state if the carrier never
// confirms.
func (t *callTask) terminateCarrier() {
	if t.adapter == nil || t.providerCallID == "" {
		return
	}
	adapter, tracker, id := t.adapter, t.tracker, t.providerCallID
	log := t.log
	timeout := t.m.cfg.Telephony.AdapterTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		op := func(c context.Context) error { return adapter.Terminate(c, id) }
		var err error
		if tracker != nil {
			err = tracker.Do(ctx, "terminate", op)
		} else {
			err = op(ctx)
		}
		if err != nil {
			log.Warn("Carrier terminate failed", "error", err)
		}
	}()
}

// redirectToGather points the carrier at the gather document so digit capture
// continues without a media stream.
func (t *callTask) redirectToGather() {
	if t.adapter == nil || t.providerCallID == "" {
		return
	}
	url := providers.WebhookURL(t.m.cfg.PublicBaseURL, t.provider, t.sid, "gather")
	adapter, tracker, id := t.adapter, t.tracker, t.providerCallID
	log := t.log
	timeout := t.m.cfg.Telephony.AdapterTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		op := func(c context.Context) error { return adapter.Redirect(c, id, url) }
		var err error
		if tracker != nil {
			err = tracker.Do(ctx, "redirect", op)
		} else {
			err = op(ctx)
		}
		if err != nil {
			log.Warn("Gather redirect failed", "error", err)
		}
	}()
}

// --- events and notifications ---

func (t *callTask) publishStreamHealth(ctx context.Context, status, detail string) {
	err := t.m.bus.PublishStreamHealth(ctx, events.StreamHealthPayload{
		CallSID:   t.sid,
		Status:    status,
		Detail:    detail,
		Timestamp: t.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		t.log.Error("Failed to publish stream health", "status", status, "error", err)
	}
}

// sloViolation records a tripwire hit as a same-state transition, which both
// persists it on the call timeline and publishes the violation event.
func (t *callTask) sloViolation(ctx context.Context, metric string, threshold, observed time.Duration, count int) {
	payload := events.SLOViolationPayload{
		CallSID:   t.sid,
		Metric:    metric,
		Count:     count,
		Timestamp: t.now().UTC().Format(time.RFC3339Nano),
	}
	if threshold > 0 {
		payload.ThresholdMS = threshold.Milliseconds()
	}
	if observed > 0 {
		payload.ObservedMS = observed.Milliseconds()
	}
	t.log.Warn("SLO violation",
		"metric", metric, "observed_ms", payload.ObservedMS, "count", count)
	if !t.transition(ctx, t.status, models.TransitionKindSLO, payload, nil) {
		return
	}
	body := mustJSON(payload)
	if _, err := t.m.notifier.Enqueue(ctx, t.sid, models.NotificationSLOViolation,
		models.PriorityHigh, body); err != nil {
		t.log.Error("Failed to enqueue SLO notification", "error", err)
	}
}

func (t *callTask) notifyStarted(ctx context.Context) {
	payload := mustJSON(callNotification{
		CallSID:     t.sid,
		PhoneNumber: t.to,
		Direction:   string(t.direction),
		Status:      string(models.CallStatusAnswered),
		AnsweredBy:  string(t.answeredBy),
	})
	if _, err := t.m.notifier.Enqueue(ctx, t.sid, models.NotificationCallStarted,
		models.PriorityNormal, payload); err != nil {
		t.log.Error("Failed to enqueue start notification", "error", err)
	}
}

// callNotification is the body of lifecycle notifications.
type callNotification struct {
	CallSID     string `json:"call_sid"`
	PhoneNumber string `json:"phone_number"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	AnsweredBy  string `json:"answered_by,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	DigitCount  int    `json:"digit_count,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

func (t *callTask) buildSummary() string {
	if t.answeredAt.IsZero() {
		return "never answered"
	}
	parts := []string{"answered by " + string(t.answeredBy)}
	if t.interactions > 0 {
		parts = append(parts, fmt.Sprintf("%d exchanges", t.interactions))
	}
	if len(t.digitNotes) > 0 {
		parts = append(parts, "captured "+strings.Join(t.digitNotes, ", "))
	}
	parts = append(parts, "lasted "+t.now().Sub(t.answeredAt).Round(time.Second).String())
	return strings.Join(parts, "; ")
}

// --- teardown ---

// teardown releases task resources without touching the call row. Used on
// shutdown so the next pod can resume the call.
func (t *callTask) teardown() {
	t.log.Info("Call task suspended", "status", string(t.status))
	t.stopAllTimers()
	t.session.Stop()
	close(t.done)
	t.drainInbox()
}

// finish runs once after a terminal transition: cancel the media stream,
// stop timers, clear capture state, and enqueue the outcome notification.
func (t *callTask) finish() {
	t.log.Info("Call task finished",
		"status", string(t.status), "error_code", t.errorCode)
	t.cancel()
	t.stopAllTimers()
	t.session.Stop()
	close(t.done)
	t.drainInbox()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.m.digitStore.ClearExpectation(ctx, t.sid); err != nil {
		t.log.Warn("Failed to clear expectation", "error", err)
	}
	t.notifyOutcome(ctx)
}

func (t *callTask) drainInbox() {
	for {
		select {
		case <-t.inbox:
		default:
			return
		}
	}
}

func (t *callTask) notifyOutcome(ctx context.Context) {
	var kind string
	var priority models.NotificationPriority
	switch t.status {
	case models.CallStatusEnded:
		kind = models.NotificationCallCompleted
		priority = models.PriorityNormal
	case models.CallStatusFailed:
		kind = models.NotificationCallFailed
		priority = models.PriorityHigh
	default:
		return
	}
	if t.notifyPriority != "" {
		priority = t.notifyPriority
	}
	payload := mustJSON(callNotification{
		CallSID:     t.sid,
		PhoneNumber: t.to,
		Direction:   string(t.direction),
		Status:      string(t.status),
		AnsweredBy:  string(t.answeredBy),
		ErrorCode:   t.errorCode,
		Reason:      t.endReason,
		DigitCount:  t.digitCount,
		Summary:     t.buildSummary(),
	})
	if _, err := t.m.notifier.Enqueue(ctx, t.sid, kind, priority, payload); err != nil {
		t.log.Error("Failed to enqueue outcome notification",
			"kind", kind, "error", err)
	}
	if t.status == models.CallStatusEnded && t.interactions > 0 {
		body := mustJSON(callNotification{CallSID: t.sid, Status: string(t.status)})
		if _, err := t.m.notifier.Enqueue(ctx, t.sid, models.NotificationCallTranscript,
			models.PriorityLow, body); err != nil {
			t.log.Error("Failed to enqueue transcript notification", "error", err)
		}
	}
}
