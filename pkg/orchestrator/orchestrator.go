// Package orchestrator owns the call state machine. A Manager admits calls
// against the concurrency ceiling, spawns one task goroutine per call with a
// bounded inbox, reconciles carrier webhooks into ordered state transitions,
// retries outbound originates with health-aware adapter failover, drives
// multi-step digit capture plans, and raises SLO violation events when
// latency tripwires fire. All per-call state is owned by the call's task;
// everything else talks to a call by sending messages onto its inbox.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/digits"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/masking"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
	"github.com/trunkline-io/trunkline/pkg/stream"
)

var (
	// ErrBadCallState is returned when an operation does not apply to the
	// call's current lifecycle state (answering a call that is not ringing,
	// retrying a stream before one ever connected).
	ErrBadCallState = errors.New("operation not valid in the call's current state")

	// ErrInboxFull is returned when a call task's inbox stayed full past the
	// send timeout. The caller treats it like backpressure, not call death.
	ErrInboxFull = errors.New("call inbox full")

	// ErrCallFinished is returned when a message arrives for a task that has
	// already reached a terminal state.
	ErrCallFinished = errors.New("call task finished")
)

// CallStore persists call rows and the append-only transition log.
// *services.CallService satisfies it.
type CallStore interface {
	UpsertCall(ctx context.Context, call *models.Call) (*models.Call, error)
	GetCall(ctx context.Context, callSID string) (*models.Call, error)
	GetCallByProviderID(ctx context.Context, providerCallID string) (*models.Call, error)
	AppendTransition(ctx context.Context, callSID string, state models.CallStatus, kind string, data json.RawMessage, update *services.CallUpdate) (*models.CallTransition, error)
	ListActiveCalls(ctx context.Context) ([]*models.Call, error)
}

// DigitStore persists digit capture outcomes and the expectation mirror.
// *services.DigitService satisfies it.
type DigitStore interface {
	RecordDigitEvent(ctx context.Context, event *models.DigitEvent, payload events.DigitPayload) (*models.DigitEvent, error)
	SetExpectation(ctx context.Context, exp *models.Expectation) (*models.Expectation, error)
	GetExpectation(ctx context.Context, callSID string) (*models.Expectation, error)
	ClearExpectation(ctx context.Context, callSID string) error
}

// TranscriptStore persists transcript lines. *services.TranscriptService
// satisfies it.
type TranscriptStore interface {
	Append(ctx context.Context, entry *models.TranscriptEntry) (*models.TranscriptEntry, error)
}

// WebhookLog records inbound webhook deliveries for redelivery suppression.
// *services.WebhookDeliveryService satisfies it.
type WebhookLog interface {
	Record(ctx context.Context, provider, callSID, eventType, dedupeKey string) (*models.WebhookDelivery, bool, error)
}

// Notifier enqueues lifecycle notifications for the fan-out worker.
// *services.NotificationService satisfies it.
type Notifier interface {
	Enqueue(ctx context.Context, callSID, kind string, priority models.NotificationPriority, payload json.RawMessage) ([]*models.Notification, error)
}

// EventSink is the slice of the event bus the orchestrator publishes on.
// *events.Publisher satisfies it. It embeds the pump's announcer so the same
// sink feeds media progress events.
type EventSink interface {
	PublishStreamHealth(ctx context.Context, payload events.StreamHealthPayload) error
	PublishInboundCall(ctx context.Context, payload events.InboundCallPayload) error
	PublishProviderDegraded(ctx context.Context, payload events.ProviderHealthPayload) error
	PublishProviderRecovered(ctx context.Context, payload events.ProviderHealthPayload) error
	PublishAudioTick(ctx context.Context, payload events.AudioTickPayload) error
	PublishAudioSent(ctx context.Context, payload events.AudioSentPayload) error
}

// AdapterRegistry selects carrier adapters. *providers.Registry satisfies it.
type AdapterRegistry interface {
	Get(name string) (providers.Adapter, error)
	Select() (providers.Adapter, *providers.Tracker, error)
	Dialable() error
	Validation(name string) config.ValidationMode
	Order() []string
}

// HealthStore persists provider health snapshots across restarts.
// *services.HealthService satisfies it.
type HealthStore interface {
	Save(ctx context.Context, h *models.ProviderHealth) error
}

// Options wires a Manager to its collaborators.
type Options struct {
	Config        *config.Config
	Registry      AdapterRegistry
	Calls         CallStore
	Digits        DigitStore
	Transcripts   TranscriptStore
	Webhooks      WebhookLog
	Notifications Notifier
	Bus           EventSink
	Codec         *digits.Codec
	Transcriber   stream.Transcriber
	Synthesizer   stream.Synthesizer
	Responder     stream.Responder
	Logger        *slog.Logger
}

// Manager is the call orchestration kernel. One per process.
type Manager struct {
	cfg         *config.Config
	registry    AdapterRegistry
	calls       CallStore
	digitStore  DigitStore
	transcripts TranscriptStore
	webhooks    WebhookLog
	notifier    Notifier
	bus         EventSink
	codec       *digits.Codec
	masker      *masking.Service
	transcriber stream.Transcriber
	synthesizer stream.Synthesizer
	responder   stream.Responder
	logger      *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.RWMutex
	tasks    map[string]*callTask
	draining bool
	wg       sync.WaitGroup
}

// NewManager creates the orchestration kernel. Call Start before use.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Call tasks outlive any request context; their lifetime is bounded by
	// Shutdown alone.
	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:         opts.Config,
		registry:    opts.Registry,
		calls:       opts.Calls,
		digitStore:  opts.Digits,
		transcripts: opts.Transcripts,
		webhooks:    opts.Webhooks,
		notifier:    opts.Notifications,
		bus:         opts.Bus,
		codec:       opts.Codec,
		masker:      masking.NewService(),
		transcriber: opts.Transcriber,
		synthesizer: opts.Synthesizer,
		responder:   opts.Responder,
		logger:      logger,
		baseCtx:     baseCtx,
		stop:        stop,
		tasks:       make(map[string]*callTask),
	}
}

// Start resumes the call tasks a previous pod was driving. The context bounds
// the recovery queries only; resumed tasks run until Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	resumed, err := m.resumeActiveCalls(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume active calls: %w", err)
	}
	m.logger.Info("Call orchestrator started",
		"resumed_calls", resumed,
		"max_concurrent", m.cfg.Telephony.MaxConcurrentCalls)
	return nil
}

// Shutdown stops admission and cancels every call task, then waits for them
// up to the context deadline. In-flight calls stay active in the database and
// are resumed by the next pod; the carrier keeps the audio leg alive.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	n := len(m.tasks)
	m.mu.Unlock()

	m.logger.Info("Call orchestrator shutting down", "active_calls", n)
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call tasks still draining: %w", ctx.Err())
	}
}

// ActiveCalls reports the number of live call tasks.
func (m *Manager) ActiveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// NewCallSID allocates a carrier-style call identifier.
func NewCallSID() string {
	return "CA" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// OriginateParams describes one outbound call request.
type OriginateParams struct {
	To           string
	From         string // empty means the provider's configured caller ID
	Prompt       string
	FirstMessage string
	Owner        string

	// Plan, when set, starts digit capture as soon as the media stream is up.
	Plan *models.CollectionPlan
}

// Originate admits and creates an outbound call, then hands it to a fresh
// call task to dial. The returned call is in state created; progress arrives
// on its event topic.
func (m *Manager) Originate(ctx context.Context, p OriginateParams) (*models.Call, error) {
	if p.To == "" {
		return nil, services.NewValidationError("phone_number", "required")
	}
	if p.Plan != nil {
		if err := validatePlan(p.Plan); err != nil {
			return nil, err
		}
	}

	// A pool with no dialable adapter is an admission failure, not something
	// the dial retry loop should discover later.
	if err := m.registry.Dialable(); err != nil {
		return nil, fmt.Errorf("%w: %s", services.ErrAdmissionRejected, err)
	}

	call := &models.Call{
		CallSID:      NewCallSID(),
		PhoneNumber:  p.To,
		Direction:    models.DirectionOutbound,
		Provider:     m.cfg.Telephony.Provider,
		Prompt:       p.Prompt,
		FirstMessage: p.FirstMessage,
		OwnerSubject: p.Owner,
		Status:       models.CallStatusCreated,
	}

	task, err := m.reserve(call)
	if err != nil {
		return nil, err
	}
	task.from = p.From
	task.pendingPlan = p.Plan

	saved, err := m.calls.UpsertCall(ctx, call)
	if err != nil {
		m.release(call.CallSID)
		return nil, err
	}
	if _, err := m.calls.AppendTransition(ctx, call.CallSID, models.CallStatusCreated,
		models.TransitionKindOriginate, mustJSON(originateData{To: p.To, Provider: call.Provider}), nil); err != nil {
		m.release(call.CallSID)
		return nil, err
	}

	m.activate(task)
	if err := task.send(dialMsg{attempt: 1}); err != nil {
		m.logger.Error("Failed to queue first dial attempt",
			"call_sid", call.CallSID, "error", err)
	}
	return saved, nil
}

// EndCall asks a live call to close: pending audio is flushed, the carrier
// leg terminated, and the call transitions through closing to ended.
func (m *Manager) EndCall(ctx context.Context, callSID, reason string) error {
	if reason == "" {
		reason = "user_requested"
	}
	task, err := m.ensureTask(ctx, callSID)
	if err != nil {
		return err
	}
	return task.send(endMsg{reason: reason})
}

// UpdateScript swaps the conversation prompt mid-call. The change applies
// from the next AI reply.
func (m *Manager) UpdateScript(ctx context.Context, callSID, prompt string) error {
	if prompt == "" {
		return services.NewValidationError("prompt", "required")
	}
	task, err := m.ensureTask(ctx, callSID)
	if err != nil {
		return err
	}
	return task.send(scriptMsg{prompt: prompt})
}

// StartPlan installs a digit collection plan on a streaming call.
func (m *Manager) StartPlan(ctx context.Context, callSID string, plan *models.CollectionPlan) error {
	if err := validatePlan(plan); err != nil {
		return err
	}
	task, err := m.ensureTask(ctx, callSID)
	if err != nil {
		return err
	}
	return task.send(planMsg{plan: plan})
}

// RetryStream points the carrier back at the answer document so it reopens
// the media WebSocket. Used after a stream.health degraded event.
func (m *Manager) RetryStream(ctx context.Context, callSID string) error {
	call, err := m.calls.GetCall(ctx, callSID)
	if err != nil {
		return err
	}
	if call.Status.IsTerminal() || call.Status.Rank() < models.CallStatusAnswered.Rank() {
		return ErrBadCallState
	}
	adapter, err := m.registry.Get(call.Provider)
	if err != nil {
		return err
	}
	answerURL := providers.WebhookURL(m.cfg.PublicBaseURL, call.Provider, callSID, "answer")
	return m.redirect(call, adapter, answerURL)
}

// FallbackStream abandons the media WebSocket for this call: capture moves to
// carrier gather documents and AI speech to carrier-side synthesis.
func (m *Manager) FallbackStream(ctx context.Context, callSID string) error {
	task, err := m.ensureTask(ctx, callSID)
	if err != nil {
		return err
	}
	return task.send(fallbackMsg{})
}

// AnswerInbound accepts a held inbound call: the carrier is redirected to the
// answer document, which connects the media stream like an outbound call.
func (m *Manager) AnswerInbound(ctx context.Context, callSID, prompt, firstMessage string) error {
	task, err := m.ensureTask(ctx, callSID)
	if err != nil {
		return err
	}
	call, err := m.calls.GetCall(ctx, callSID)
	if err != nil {
		return err
	}
	if call.Direction != models.DirectionInbound || call.Status != models.CallStatusRinging {
		return ErrBadCallState
	}
	if prompt != "" || firstMessage != "" {
		if err := task.send(scriptMsg{prompt: prompt, firstMessage: firstMessage}); err != nil {
			return err
		}
	}
	adapter, err := m.registry.Get(call.Provider)
	if err != nil {
		return err
	}
	answerURL := providers.WebhookURL(m.cfg.PublicBaseURL, call.Provider, callSID, "answer")
	return m.redirect(call, adapter, answerURL)
}

// DeclineInbound terminates a held inbound call.
func (m *Manager) DeclineInbound(ctx context.Context, callSID string) error {
	call, err := m.calls.GetCall(ctx, callSID)
	if err != nil {
		return err
	}
	if call.Direction != models.DirectionInbound || call.Status != models.CallStatusRinging {
		return ErrBadCallState
	}
	return m.EndCall(ctx, callSID, "declined")
}

// redirect points a live carrier call at a new control document URL through
// the provider's health tracker.
func (m *Manager) redirect(call *models.Call, adapter providers.Adapter, documentURL string) error {
	providerCallID := call.ProviderCallID
	if providerCallID == "" {
		providerCallID = call.CallSID
	}
	opCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Telephony.AdapterTimeout)
	defer cancel()

	tracker := m.trackerFor(call.Provider)
	if tracker == nil {
		return adapter.Redirect(opCtx, providerCallID, documentURL)
	}
	return tracker.Do(opCtx, "redirect", func(c context.Context) error {
		return adapter.Redirect(c, providerCallID, documentURL)
	})
}

// trackerFor returns the health tracker when the registry carries one.
// Registries in tests may not.
func (m *Manager) trackerFor(provider string) *providers.Tracker {
	type trackerSource interface {
		Tracker(name string) *providers.Tracker
	}
	if ts, ok := m.registry.(trackerSource); ok {
		return ts.Tracker(provider)
	}
	return nil
}

// --- task registry ---

// reserve claims an admission slot and registers an inactive task under the
// SID. The caller either activates it or releases the slot.
func (m *Manager) reserve(call *models.Call) (*callTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return nil, fmt.Errorf("%w: shutting down", services.ErrAdmissionRejected)
	}
	if len(m.tasks) >= m.cfg.Telephony.MaxConcurrentCalls {
		return nil, services.ErrAdmissionRejected
	}
	if _, ok := m.tasks[call.CallSID]; ok {
		return nil, services.ErrAlreadyExists
	}
	task := newCallTask(m, call)
	m.tasks[call.CallSID] = task
	return task, nil
}

// release frees a reserved slot whose call never materialized.
func (m *Manager) release(callSID string) {
	m.mu.Lock()
	delete(m.tasks, callSID)
	m.mu.Unlock()
}

// activate starts the task goroutine for a reserved task.
func (m *Manager) activate(task *callTask) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	task.ctx, task.cancel = ctx, cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		task.run(ctx)
		m.release(task.sid)
	}()
}

// task returns the live task for a SID, or nil.
func (m *Manager) task(callSID string) *callTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[callSID]
}

// ensureTask returns the live task for a call, adopting the call from the
// database when this pod has no task yet (restart recovery, or a webhook
// racing the originate response).
func (m *Manager) ensureTask(ctx context.Context, callSID string) (*callTask, error) {
	if t := m.task(callSID); t != nil {
		return t, nil
	}
	call, err := m.calls.GetCall(ctx, callSID)
	if err != nil {
		return nil, err
	}
	return m.adopt(ctx, call)
}

// taskFor is ensureTask for callers that already hold the call row.
func (m *Manager) taskFor(ctx context.Context, call *models.Call) (*callTask, error) {
	if t := m.task(call.CallSID); t != nil {
		return t, nil
	}
	return m.adopt(ctx, call)
}

// adopt spawns a task for an existing non-terminal call row. Unlike reserve
// it does not enforce the admission ceiling: the call already exists and
// dropping it would strand a live carrier leg.
func (m *Manager) adopt(ctx context.Context, call *models.Call) (*callTask, error) {
	if call.Status.IsTerminal() {
		return nil, services.ErrTerminalState
	}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: shutting down", services.ErrAdmissionRejected)
	}
	if existing, ok := m.tasks[call.CallSID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	task := newCallTask(m, call)
	m.tasks[call.CallSID] = task
	m.mu.Unlock()

	// Reinstall the expectation mirror so capture retries survive a restart.
	if exp, err := m.digitStore.GetExpectation(ctx, call.CallSID); err == nil {
		task.session.Install(exp)
	} else if !errors.Is(err, services.ErrNotFound) {
		m.logger.Warn("Failed to load expectation mirror",
			"call_sid", call.CallSID, "error", err)
	}

	m.activate(task)
	task.recover()
	return task, nil
}

// resumeActiveCalls adopts every non-terminal call left behind by a previous
// pod. Calls that were mid-dial restart their attempt counter; calls that
// were streaming wait for the carrier to reconnect or report.
func (m *Manager) resumeActiveCalls(ctx context.Context) (int, error) {
	calls, err := m.calls.ListActiveCalls(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, call := range calls {
		if _, err := m.adopt(ctx, call); err != nil {
			m.logger.Error("Failed to resume call",
				"call_sid", call.CallSID, "status", string(call.Status), "error", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

// validatePlan rejects malformed collection plans before anything persists.
func validatePlan(plan *models.CollectionPlan) error {
	if plan == nil {
		return services.NewValidationError("plan", "required")
	}
	if len(plan.Steps) == 0 {
		return services.NewValidationError("plan.steps", "at least one step required")
	}
	if plan.PlanID == "" {
		plan.PlanID = uuid.New().String()
	}
	for i, step := range plan.Steps {
		if step.Profile == "" {
			return services.NewValidationError(
				fmt.Sprintf("plan.steps[%d].profile", i), "required")
		}
	}
	return nil
}

// HealthChangeRelay builds the tracker onChange callback: every degraded or
// recovered transition publishes one provider health event and persists the
// snapshot so a restarted pod resumes the same cooldown view.
func HealthChangeRelay(bus EventSink, store HealthStore, logger *slog.Logger) func(*models.ProviderHealth) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(h *models.ProviderHealth) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		payload := events.ProviderHealthPayload{
			Provider:   h.Provider,
			ErrorCount: h.ErrorCount,
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		}
		if h.CooldownUntil != nil {
			payload.CooldownMS = time.Until(*h.CooldownUntil).Milliseconds()
		}

		var err error
		if h.Degraded {
			err = bus.PublishProviderDegraded(ctx, payload)
		} else {
			err = bus.PublishProviderRecovered(ctx, payload)
		}
		if err != nil {
			logger.Error("Failed to publish provider health event",
				"provider", h.Provider, "degraded", h.Degraded, "error", err)
		}

		if store != nil {
			if err := store.Save(ctx, h); err != nil {
				logger.Error("Failed to persist provider health snapshot",
					"provider", h.Provider, "error", err)
			}
		}
	}
}

// mustJSON marshals transition payloads built from local structs; these
// cannot fail at runtime.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
