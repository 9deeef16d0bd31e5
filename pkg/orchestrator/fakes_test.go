package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/digits"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// In-memory doubles for the stores the orchestrator talks to. They mirror
// the contracts the SQL services implement: terminal rows reject further
// transitions, sequences stay dense, lookups miss with ErrNotFound.

type fakeCalls struct {
	mu          sync.Mutex
	calls       map[string]*models.Call
	transitions map[string][]models.CallTransition
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		calls:       make(map[string]*models.Call),
		transitions: make(map[string][]models.CallTransition),
	}
}

func (f *fakeCalls) UpsertCall(_ context.Context, call *models.Call) (*models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *call
	if existing, ok := f.calls[call.CallSID]; ok {
		cp.Status = existing.Status
		cp.LastSeq = existing.LastSeq
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.calls[cp.CallSID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeCalls) GetCall(_ context.Context, sid string) (*models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[sid]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCalls) GetCallByProviderID(_ context.Context, providerCallID string) (*models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.ProviderCallID == providerCallID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, services.ErrNotFound
}

func (f *fakeCalls) AppendTransition(_ context.Context, sid string, state models.CallStatus, kind string, data json.RawMessage, update *services.CallUpdate) (*models.CallTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[sid]
	if !ok {
		return nil, services.ErrNotFound
	}
	if c.Status.IsTerminal() {
		return nil, services.ErrTerminalState
	}
	c.LastSeq++
	c.Status = state
	applyUpdate(c, update)
	tr := models.CallTransition{
		CallSID:   sid,
		Seq:       c.LastSeq,
		State:     state,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	f.transitions[sid] = append(f.transitions[sid], tr)
	out := tr
	return &out, nil
}

func (f *fakeCalls) ListActiveCalls(context.Context) ([]*models.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Call
	for _, c := range f.calls {
		if !c.Status.IsTerminal() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func applyUpdate(c *models.Call, u *services.CallUpdate) {
	if u == nil {
		return
	}
	if u.Provider != nil {
		c.Provider = *u.Provider
	}
	if u.ProviderCallID != nil {
		c.ProviderCallID = *u.ProviderCallID
	}
	if u.Prompt != nil {
		c.Prompt = *u.Prompt
	}
	if u.CarrierStatus != nil {
		c.CarrierStatus = *u.CarrierStatus
	}
	if u.AnsweredBy != nil {
		c.AnsweredBy = *u.AnsweredBy
	}
	if u.ErrorCode != nil {
		c.ErrorCode = *u.ErrorCode
	}
	if u.StartedAt != nil {
		v := *u.StartedAt
		c.StartedAt = &v
	}
	if u.EndedAt != nil {
		v := *u.EndedAt
		c.EndedAt = &v
	}
	if u.DurationMS != nil {
		v := *u.DurationMS
		c.DurationMS = &v
	}
	if u.RingMS != nil {
		v := *u.RingMS
		c.RingMS = &v
	}
	if u.AnswerDelayMS != nil {
		v := *u.AnswerDelayMS
		c.AnswerDelayMS = &v
	}
	if u.Summary != nil {
		c.Summary = *u.Summary
	}
	if u.Analysis != nil {
		c.Analysis = *u.Analysis
	}
	if u.DigitSummary != nil {
		c.DigitSummary = *u.DigitSummary
	}
	if u.DigitCount != nil {
		c.DigitCount = *u.DigitCount
	}
	if u.LastOTP != nil {
		v := *u.LastOTP
		c.LastOTP = &v
	}
	if u.LastOTPMasked != nil {
		v := *u.LastOTPMasked
		c.LastOTPMasked = &v
	}
}

func (f *fakeCalls) seed(call *models.Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *call
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.calls[cp.CallSID] = &cp
}

func (f *fakeCalls) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCalls) transitionCount(sid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transitions[sid])
}

func (f *fakeCalls) status(sid string) models.CallStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[sid]
	if !ok {
		return ""
	}
	return c.Status
}

func (f *fakeCalls) snapshot(sid string) models.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[sid]
	if !ok {
		return models.Call{}
	}
	return *c
}

func (f *fakeCalls) kinds(sid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tr := range f.transitions[sid] {
		out = append(out, tr.Kind)
	}
	return out
}

func (f *fakeCalls) hasKind(sid, kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tr := range f.transitions[sid] {
		if tr.Kind == kind {
			return true
		}
	}
	return false
}

type fakeDigitStore struct {
	mu       sync.Mutex
	events   []models.DigitEvent
	payloads []events.DigitPayload
	exps     map[string]*models.Expectation
}

func newFakeDigitStore() *fakeDigitStore {
	return &fakeDigitStore{exps: make(map[string]*models.Expectation)}
}

func (f *fakeDigitStore) RecordDigitEvent(_ context.Context, event *models.DigitEvent, payload events.DigitPayload) (*models.DigitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *event
	cp.CreatedAt = time.Now().UTC()
	f.events = append(f.events, cp)
	f.payloads = append(f.payloads, payload)
	return &cp, nil
}

func (f *fakeDigitStore) SetExpectation(_ context.Context, exp *models.Expectation) (*models.Expectation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exp
	f.exps[exp.CallSID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeDigitStore) GetExpectation(_ context.Context, sid string) (*models.Expectation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.exps[sid]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *exp
	return &cp, nil
}

func (f *fakeDigitStore) ClearExpectation(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.exps, sid)
	return nil
}

func (f *fakeDigitStore) recorded() []models.DigitEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DigitEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeDigitStore) expectation(sid string) *models.Expectation {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.exps[sid]
	if !ok {
		return nil
	}
	cp := *exp
	return &cp
}

type fakeTranscripts struct {
	mu      sync.Mutex
	seq     map[string]int
	entries []models.TranscriptEntry
}

func newFakeTranscripts() *fakeTranscripts {
	return &fakeTranscripts{seq: make(map[string]int)}
}

func (f *fakeTranscripts) Append(_ context.Context, entry *models.TranscriptEntry) (*models.TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[entry.CallSID]++
	cp := *entry
	cp.Seq = f.seq[entry.CallSID]
	cp.CreatedAt = time.Now().UTC()
	f.entries = append(f.entries, cp)
	out := cp
	return &out, nil
}

func (f *fakeTranscripts) lines(sid string, speaker models.TranscriptSpeaker) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		if e.CallSID == sid && e.Speaker == speaker {
			out = append(out, e.Message)
		}
	}
	return out
}

type fakeWebhookLog struct {
	mu   sync.Mutex
	seen map[string]int
}

func newFakeWebhookLog() *fakeWebhookLog {
	return &fakeWebhookLog{seen: make(map[string]int)}
}

func (f *fakeWebhookLog) Record(_ context.Context, provider, callSID, eventType, dedupeKey string) (*models.WebhookDelivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prior := f.seen[dedupeKey]
	f.seen[dedupeKey]++
	return &models.WebhookDelivery{
		Provider:  provider,
		CallSID:   callSID,
		EventType: eventType,
		DedupeKey: dedupeKey,
		Duplicate: prior > 0,
		CreatedAt: time.Now().UTC(),
	}, prior > 0, nil
}

type notified struct {
	CallSID  string
	Kind     string
	Priority models.NotificationPriority
	Payload  json.RawMessage
}

type fakeNotifier struct {
	mu    sync.Mutex
	items []notified
}

func (f *fakeNotifier) Enqueue(_ context.Context, callSID, kind string, priority models.NotificationPriority, payload json.RawMessage) ([]*models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, notified{CallSID: callSID, Kind: kind, Priority: priority, Payload: payload})
	return []*models.Notification{{CallSID: callSID, Kind: kind, Priority: priority}}, nil
}

func (f *fakeNotifier) byKind(kind string) []notified {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notified
	for _, n := range f.items {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type fakeBus struct {
	mu        sync.Mutex
	stream    []events.StreamHealthPayload
	inbound   []events.InboundCallPayload
	degraded  []events.ProviderHealthPayload
	recovered []events.ProviderHealthPayload
}

func (f *fakeBus) PublishStreamHealth(_ context.Context, p events.StreamHealthPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = append(f.stream, p)
	return nil
}

func (f *fakeBus) PublishInboundCall(_ context.Context, p events.InboundCallPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, p)
	return nil
}

func (f *fakeBus) PublishProviderDegraded(_ context.Context, p events.ProviderHealthPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded = append(f.degraded, p)
	return nil
}

func (f *fakeBus) PublishProviderRecovered(_ context.Context, p events.ProviderHealthPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, p)
	return nil
}

func (f *fakeBus) PublishAudioTick(context.Context, events.AudioTickPayload) error { return nil }
func (f *fakeBus) PublishAudioSent(context.Context, events.AudioSentPayload) error { return nil }

func (f *fakeBus) streamStatuses(sid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.stream {
		if p.CallSID == sid {
			out = append(out, p.Status)
		}
	}
	return out
}

func (f *fakeBus) streamEvents(sid string) []events.StreamHealthPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.StreamHealthPayload
	for _, p := range f.stream {
		if p.CallSID == sid {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeBus) inboundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbound)
}

func (f *fakeBus) healthEvents() (degraded, recovered []events.ProviderHealthPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	degraded = append(degraded, f.degraded...)
	recovered = append(recovered, f.recovered...)
	return degraded, recovered
}

type fakeHealthStore struct {
	mu    sync.Mutex
	saved []models.ProviderHealth
}

func (f *fakeHealthStore) Save(_ context.Context, h *models.ProviderHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *h)
	return nil
}

func (f *fakeHealthStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// fakeAdapter scripts carrier behavior per test. Document bodies carry a
// recognizable tag so assertions can tell which builder produced them.
type fakeAdapter struct {
	name string

	mu             sync.Mutex
	originateErrs  []error
	originates     []providers.OriginateRequest
	terminations   []string
	redirects      [][2]string
	nextCallID     int
	originateDelay time.Duration
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name}
}

func (a *fakeAdapter) Name() string { return a.name }

// failNext queues originate errors, consumed one per attempt.
func (a *fakeAdapter) failNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.originateErrs = append(a.originateErrs, errs...)
}

func (a *fakeAdapter) Originate(ctx context.Context, req providers.OriginateRequest) (*providers.OriginateResponse, error) {
	a.mu.Lock()
	delay := a.originateDelay
	a.originates = append(a.originates, req)
	var err error
	if len(a.originateErrs) > 0 {
		err = a.originateErrs[0]
		a.originateErrs = a.originateErrs[1:]
	}
	a.nextCallID++
	id := fmt.Sprintf("%s-call-%d", a.name, a.nextCallID)
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &providers.OriginateResponse{ProviderCallID: id, CarrierStatus: "queued"}, nil
}

func (a *fakeAdapter) Terminate(_ context.Context, providerCallID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminations = append(a.terminations, providerCallID)
	return nil
}

func (a *fakeAdapter) Redirect(_ context.Context, providerCallID, documentURL string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redirects = append(a.redirects, [2]string{providerCallID, documentURL})
	return nil
}

func (a *fakeAdapter) AnswerDocument(req providers.AnswerRequest) (*providers.Document, error) {
	return fakeDoc("answer", req.CallSID), nil
}

func (a *fakeAdapter) GatherDocument(req providers.GatherRequest) (*providers.Document, error) {
	return fakeDoc("gather", req.Prompt), nil
}

func (a *fakeAdapter) SpeakDocument(req providers.SpeakRequest) (*providers.Document, error) {
	return fakeDoc("speak", req.Text), nil
}

func (a *fakeAdapter) HangupDocument() *providers.Document {
	return fakeDoc("hangup", "")
}

func (a *fakeAdapter) HoldDocument(callSID string, timeoutSec int) (*providers.Document, error) {
	return fakeDoc("hold", fmt.Sprintf("%s:%d", callSID, timeoutSec)), nil
}

func (a *fakeAdapter) VerifySignature(*http.Request, []byte) error { return nil }

func (a *fakeAdapter) ParseWebhook(*http.Request, []byte) (*providers.WebhookEvent, error) {
	return nil, fmt.Errorf("not used in orchestrator tests")
}

func fakeDoc(kind, detail string) *providers.Document {
	return &providers.Document{
		ContentType: "application/xml",
		Body:        []byte(kind + "|" + detail),
	}
}

func (a *fakeAdapter) originateCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.originates)
}

func (a *fakeAdapter) terminated() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.terminations))
	copy(out, a.terminations)
	return out
}

func (a *fakeAdapter) redirected() [][2]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][2]string, len(a.redirects))
	copy(out, a.redirects)
	return out
}

// fakeRegistry hands out scripted adapters. Select pops the rotation queue
// when one is set, otherwise it returns the first adapter. Trackers are real
// so circuit behavior matches production.
type fakeRegistry struct {
	mu       sync.Mutex
	order    []string
	adapters map[string]*fakeAdapter
	trackers map[string]*providers.Tracker
	rotation []string
	selErr   error
}

func newFakeRegistry(health config.HealthConfig, names ...string) *fakeRegistry {
	r := &fakeRegistry{
		adapters: make(map[string]*fakeAdapter),
		trackers: make(map[string]*providers.Tracker),
	}
	for _, name := range names {
		r.order = append(r.order, name)
		r.adapters[name] = newFakeAdapter(name)
		r.trackers[name] = providers.NewTracker(name, health, nil)
	}
	return r
}

func (r *fakeRegistry) adapter(name string) *fakeAdapter { return r.adapters[name] }

func (r *fakeRegistry) rotate(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotation = append(r.rotation, names...)
}

func (r *fakeRegistry) failSelect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selErr = err
}

func (r *fakeRegistry) Get(name string) (providers.Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, config.ErrProviderNotFound
	}
	return a, nil
}

func (r *fakeRegistry) Select() (providers.Adapter, *providers.Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selErr != nil {
		return nil, nil, r.selErr
	}
	name := r.order[0]
	if len(r.rotation) > 0 {
		name = r.rotation[0]
		r.rotation = r.rotation[1:]
	}
	return r.adapters[name], r.trackers[name], nil
}

func (r *fakeRegistry) Dialable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selErr
}

func (r *fakeRegistry) Tracker(name string) *providers.Tracker { return r.trackers[name] }

func (r *fakeRegistry) Validation(string) config.ValidationMode { return config.ValidationOff }

func (r *fakeRegistry) Order() []string { return r.order }

// fakeMedia stands in for the stream pump. Say acks playback back onto the
// task inbox, like the carrier mark ack would.
type fakeMedia struct {
	mu        sync.Mutex
	task      *callTask
	nextMark  int
	said      []string
	cancelled int
	sayErr    error
}

func (f *fakeMedia) Say(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	if f.sayErr != nil {
		err := f.sayErr
		f.mu.Unlock()
		return "", err
	}
	f.nextMark++
	mark := fmt.Sprintf("mark-%d", f.nextMark)
	f.said = append(f.said, text)
	task := f.task
	f.mu.Unlock()

	if task != nil {
		go func() { _ = task.send(playbackDoneMsg{mark: mark}) }()
	}
	return mark, nil
}

func (f *fakeMedia) CancelPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeMedia) cancelledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeMedia) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.said))
	copy(out, f.said)
	return out
}

// fakeResponder scripts AI replies.
type fakeResponder struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	err     error
}

func (f *fakeResponder) queue(replies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeResponder) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeResponder) Reply(_ context.Context, prompt string, _ []models.TranscriptEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "Understood.", nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires a Manager to the fakes with test-friendly timings.
type harness struct {
	m         *Manager
	cfg       *config.Config
	calls     *fakeCalls
	digits    *fakeDigitStore
	lines     *fakeTranscripts
	webhooks  *fakeWebhookLog
	notifier  *fakeNotifier
	bus       *fakeBus
	registry  *fakeRegistry
	responder *fakeResponder
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	tel := config.DefaultTelephonyConfig()
	tel.FromNumber = "+15550001111"
	tel.OriginateRetry.BaseDelay = 5 * time.Millisecond
	tel.OriginateRetry.MaxDelay = 20 * time.Millisecond
	tel.MediaTimeout = 2 * time.Second

	dig := config.DefaultDigitsConfig()
	dig.ComplianceMode = config.ComplianceDevInsecure

	cfg := &config.Config{
		Environment:   config.EnvDevelopment,
		PublicBaseURL: "https://calls.example.com",
		Telephony:     tel,
		Digits:        dig,
		Stream:        config.DefaultStreamConfig(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	codec, err := digits.NewCodec(cfg.Digits)
	require.NoError(t, err)

	h := &harness{
		cfg:       cfg,
		calls:     newFakeCalls(),
		digits:    newFakeDigitStore(),
		lines:     newFakeTranscripts(),
		webhooks:  newFakeWebhookLog(),
		notifier:  &fakeNotifier{},
		bus:       &fakeBus{},
		registry:  newFakeRegistry(cfg.Telephony.Health, "twilio", "vonage"),
		responder: &fakeResponder{},
	}
	h.m = NewManager(Options{
		Config:        cfg,
		Registry:      h.registry,
		Calls:         h.calls,
		Digits:        h.digits,
		Transcripts:   h.lines,
		Webhooks:      h.webhooks,
		Notifications: h.notifier,
		Bus:           h.bus,
		Codec:         codec,
		Responder:     h.responder,
		Logger:        testLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) originate(t *testing.T, p OriginateParams) string {
	t.Helper()
	if p.To == "" {
		p.To = "+15557654321"
	}
	call, err := h.m.Originate(context.Background(), p)
	require.NoError(t, err)
	return call.CallSID
}

func (h *harness) carrier(t *testing.T, ev *providers.WebhookEvent) *providers.Document {
	t.Helper()
	doc, err := h.m.HandleCarrierEvent(context.Background(), ev)
	require.NoError(t, err)
	return doc
}

func (h *harness) waitStatus(t *testing.T, sid string, want models.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.calls.status(sid) == want
	}, 2*time.Second, 5*time.Millisecond,
		"call %s never reached %s (at %s)", sid, want, h.calls.status(sid))
}

// toStreaming walks an outbound call from created to a live media stream.
func (h *harness) toStreaming(t *testing.T, sid string) *fakeMedia {
	t.Helper()
	fm := h.answerAndAttach(t, sid)
	h.waitStatus(t, sid, models.CallStatusStreaming)
	return fm
}

// toCapture is toStreaming for calls originated with a collection plan, which
// move straight on to digit capture once media is up.
func (h *harness) toCapture(t *testing.T, sid string) *fakeMedia {
	t.Helper()
	fm := h.answerAndAttach(t, sid)
	h.waitStatus(t, sid, models.CallStatusDigitCapture)
	return fm
}

func (h *harness) answerAndAttach(t *testing.T, sid string) *fakeMedia {
	t.Helper()
	h.waitStatus(t, sid, models.CallStatusDialing)
	h.carrier(t, ringingEvent(sid))
	h.waitStatus(t, sid, models.CallStatusRinging)
	h.carrier(t, answeredEvent(sid, models.AnsweredByHuman))
	h.waitStatus(t, sid, models.CallStatusAnswered)
	return h.attachStream(t, sid)
}

// attachStream binds a fake media session and signals first media.
func (h *harness) attachStream(t *testing.T, sid string) *fakeMedia {
	t.Helper()
	task := h.m.task(sid)
	require.NotNil(t, task, "no live task for %s", sid)
	fm := &fakeMedia{task: task}
	require.NoError(t, task.send(attachMsg{media: fm}))
	require.NoError(t, task.send(firstMediaMsg{}))
	return fm
}

func ringingEvent(sid string) *providers.WebhookEvent {
	return &providers.WebhookEvent{
		Provider:      "twilio",
		Type:          providers.EventRinging,
		CallSID:       sid,
		CarrierStatus: "ringing",
		SequenceHint:  "ringing",
		ReceivedAt:    time.Now(),
	}
}

func answeredEvent(sid string, by models.AnsweredBy) *providers.WebhookEvent {
	return &providers.WebhookEvent{
		Provider:      "twilio",
		Type:          providers.EventAnswered,
		CallSID:       sid,
		CarrierStatus: "in-progress",
		AnsweredBy:    by,
		SequenceHint:  "answer",
		ReceivedAt:    time.Now(),
	}
}

func endedEvent(sid, carrierStatus, errorCode string) *providers.WebhookEvent {
	return &providers.WebhookEvent{
		Provider:      "twilio",
		Type:          providers.EventEnded,
		CallSID:       sid,
		CarrierStatus: carrierStatus,
		ErrorCode:     errorCode,
		SequenceHint:  carrierStatus,
		ReceivedAt:    time.Now(),
	}
}
