// Package delivery implements the SMS and email delivery engine: validated
// idempotent enqueue with template rendering, a claim-based worker pool
// with rate limits and exponential retry backoff, provider gateway
// adapters, and reconciliation of async provider events back into message
// rows and the suppression list.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// EnqueueStore persists messages and bulk jobs. Idempotency replay and
// suppression checks run inside the store transaction.
// *services.MessageService implements it.
type EnqueueStore interface {
	Enqueue(ctx context.Context, msg *models.Message, requestHash string) (*services.EnqueueOutcome, error)
	EnqueueBulk(ctx context.Context, job *models.BulkJob, msgs []*models.Message, idempotencyKey, requestHash string) (*services.BulkOutcome, error)
}

// Metrics counts per-day delivery outcomes keyed by channel.
// *services.MetricService implements it.
type Metrics interface {
	Increment(ctx context.Context, kind, outcome string) error
}

// SMSRequest is one text message enqueue.
type SMSRequest struct {
	To             string         `json:"to"`
	From           string         `json:"from,omitempty"`
	Body           string         `json:"body,omitempty"`
	TemplateID     string         `json:"template_id,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	SendAt         *time.Time     `json:"send_at,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// EmailRequest is one email enqueue.
type EmailRequest struct {
	To             string         `json:"to"`
	From           string         `json:"from,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	HTML           string         `json:"html,omitempty"`
	Text           string         `json:"text,omitempty"`
	TemplateID     string         `json:"template_id,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	SendAt         *time.Time     `json:"send_at,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// BulkRecipient is one bulk entry: an address plus per-recipient variable
// overrides merged over the request-level variables.
type BulkRecipient struct {
	To        string         `json:"to"`
	Variables map[string]any `json:"variables,omitempty"`
}

// BulkRequest enqueues one message per recipient under a shared bulk job.
// Channel is set by the transport layer from the route, not the body.
type BulkRequest struct {
	Channel        models.MessageChannel `json:"-"`
	Recipients     []BulkRecipient       `json:"recipients"`
	From           string                `json:"from,omitempty"`
	Subject        string                `json:"subject,omitempty"`
	HTML           string                `json:"html,omitempty"`
	Text           string                `json:"text,omitempty"`
	Body           string                `json:"body,omitempty"`
	TemplateID     string                `json:"template_id,omitempty"`
	Variables      map[string]any        `json:"variables,omitempty"`
	TenantID       string                `json:"tenant_id,omitempty"`
	SendAt         *time.Time            `json:"send_at,omitempty"`
	IdempotencyKey string                `json:"-"`
}

// EnqueueResult reports what an enqueue produced.
type EnqueueResult struct {
	Message    *models.Message `json:"message"`
	Deduped    bool            `json:"deduped,omitempty"`
	Suppressed bool            `json:"suppressed,omitempty"`
}

// BulkResult reports the job a bulk enqueue produced.
type BulkResult struct {
	Job     *models.BulkJob `json:"job"`
	Deduped bool            `json:"deduped,omitempty"`
}

const (
	// Concatenated SMS beyond this gets rejected by most gateways.
	maxSMSBodyLength = 1600

	// Bulk jobs insert all rows in one transaction; the cap keeps that
	// transaction bounded.
	maxBulkRecipients = 10000

	bulkRenderConcurrency = 8
)

var smsNumberRe = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Alphanumeric sender IDs are allowed where E.164 is not used.
var smsSenderIDRe = regexp.MustCompile(`^[A-Za-z0-9 ]{1,11}$`)

// Engine validates, renders, and persists enqueue requests. Suppression and
// idempotency are enforced inside the store transaction; the singleflight
// group additionally collapses concurrent enqueues carrying the same
// idempotency key so only one of them reaches the database.
type Engine struct {
	store     EnqueueStore
	templates *TemplateRegistry
	metrics   Metrics
	group     singleflight.Group
	logger    *slog.Logger
}

// NewEngine creates the enqueue engine. A nil registry starts empty.
func NewEngine(store EnqueueStore, templates *TemplateRegistry, metrics Metrics, logger *slog.Logger) *Engine {
	if templates == nil {
		templates = NewTemplateRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		templates: templates,
		metrics:   metrics,
		logger:    logger.With("component", "delivery.engine"),
	}
}

// Templates exposes the registry so callers can install content at startup.
func (e *Engine) Templates() *TemplateRegistry {
	return e.templates
}

// EnqueueSMS validates, renders, and persists one text message.
func (e *Engine) EnqueueSMS(ctx context.Context, req *SMSRequest) (*EnqueueResult, error) {
	if req == nil {
		return nil, services.NewValidationError("request", "request body is required")
	}
	msg, err := e.buildSMS(req.To, req.From, req.Body, req.TemplateID, req.Variables, req.Variables)
	if err != nil {
		return nil, err
	}
	msg.TenantID = req.TenantID
	msg.IdempotencyKey = req.IdempotencyKey
	msg.ScheduledAt = scheduleTime(req.SendAt)

	hash := requestHash(hashInput{
		Channel:    models.ChannelSMS,
		To:         req.To,
		From:       req.From,
		TemplateID: req.TemplateID,
		Variables:  req.Variables,
		Body:       req.Body,
		SendAt:     hashTime(req.SendAt),
	})
	return e.persist(ctx, msg, hash, req.IdempotencyKey)
}

// EnqueueEmail validates, renders, and persists one email.
func (e *Engine) EnqueueEmail(ctx context.Context, req *EmailRequest) (*EnqueueResult, error) {
	if req == nil {
		return nil, services.NewValidationError("request", "request body is required")
	}
	msg, err := e.buildEmail(req.To, req.From, req.Subject, req.HTML, req.Text, req.TemplateID, req.Variables, req.Variables)
	if err != nil {
		return nil, err
	}
	msg.TenantID = req.TenantID
	msg.IdempotencyKey = req.IdempotencyKey
	msg.ScheduledAt = scheduleTime(req.SendAt)

	hash := requestHash(hashInput{
		Channel:    models.ChannelEmail,
		To:         req.To,
		From:       req.From,
		Subject:    req.Subject,
		TemplateID: req.TemplateID,
		Variables:  req.Variables,
		HTML:       req.HTML,
		Text:       req.Text,
		SendAt:     hashTime(req.SendAt),
	})
	return e.persist(ctx, msg, hash, req.IdempotencyKey)
}

// EnqueueBulk renders one message per recipient and persists the whole set
// plus its job in a single store transaction. Any invalid recipient rejects
// the entire request; partial bulk jobs are never created.
func (e *Engine) EnqueueBulk(ctx context.Context, req *BulkRequest) (*BulkResult, error) {
	if req == nil {
		return nil, services.NewValidationError("request", "request body is required")
	}
	if req.Channel != models.ChannelSMS && req.Channel != models.ChannelEmail {
		return nil, services.NewValidationError("channel", "channel must be sms or email")
	}
	if len(req.Recipients) == 0 {
		return nil, services.NewValidationError("recipients", "at least one recipient required")
	}
	if len(req.Recipients) > maxBulkRecipients {
		return nil, services.NewValidationError("recipients",
			fmt.Sprintf("at most %d recipients per bulk job", maxBulkRecipients))
	}

	hash := requestHash(bulkHashInput{
		Channel:    req.Channel,
		Recipients: req.Recipients,
		From:       req.From,
		Subject:    req.Subject,
		TemplateID: req.TemplateID,
		Variables:  req.Variables,
		HTML:       req.HTML,
		Text:       req.Text,
		Body:       req.Body,
		SendAt:     hashTime(req.SendAt),
	})

	// Rendering is per recipient and CPU-bound; fan it out.
	msgs := make([]*models.Message, len(req.Recipients))
	g := new(errgroup.Group)
	g.SetLimit(bulkRenderConcurrency)
	for i, rcpt := range req.Recipients {
		g.Go(func() error {
			vars := mergeVariables(req.Variables, rcpt.Variables)
			var msg *models.Message
			var err error
			switch req.Channel {
			case models.ChannelSMS:
				msg, err = e.buildSMS(rcpt.To, req.From, req.Body, req.TemplateID, vars, rcpt.Variables)
			case models.ChannelEmail:
				msg, err = e.buildEmail(rcpt.To, req.From, req.Subject, req.HTML, req.Text, req.TemplateID, vars, rcpt.Variables)
			}
			if err != nil {
				return fmt.Errorf("recipient %s: %w", rcpt.To, err)
			}
			msg.TenantID = req.TenantID
			msg.ScheduledAt = scheduleTime(req.SendAt)
			msgs[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	job := &models.BulkJob{
		JobID:      uuid.NewString(),
		Channel:    req.Channel,
		TemplateID: req.TemplateID,
		TenantID:   req.TenantID,
	}

	persist := func() (*services.BulkOutcome, error) {
		return e.store.EnqueueBulk(ctx, job, msgs, req.IdempotencyKey, hash)
	}
	var out *services.BulkOutcome
	var err error
	if req.IdempotencyKey == "" {
		out, err = persist()
	} else {
		var v any
		v, err, _ = e.group.Do("bulk|"+req.IdempotencyKey, func() (any, error) { return persist() })
		if err == nil {
			out = v.(*services.BulkOutcome)
		}
	}
	if err != nil {
		return nil, err
	}

	if !out.Deduped {
		e.count(ctx, req.Channel, "queued")
	}
	e.logger.Info("Bulk job enqueued",
		"job_id", out.Job.JobID,
		"channel", out.Job.Channel,
		"total", out.Job.Total,
		"suppressed", out.Job.Suppressed,
		"deduped", out.Deduped)
	return &BulkResult{Job: out.Job, Deduped: out.Deduped}, nil
}

// buildSMS validates and renders one outbound text. vars is the full merged
// variable set; rawVars is what the caller supplied for this recipient and
// is what gets stored on the row.
func (e *Engine) buildSMS(to, from, body, templateID string, vars, rawVars map[string]any) (*models.Message, error) {
	if !smsNumberRe.MatchString(to) {
		return nil, services.NewValidationError("to", "recipient must be E.164, e.g. +15551234567")
	}
	if from != "" && !smsNumberRe.MatchString(from) && !smsSenderIDRe.MatchString(from) {
		return nil, services.NewValidationError("from", "sender must be E.164 or an alphanumeric sender ID")
	}
	if templateID != "" {
		tpl, err := e.resolveTemplate(templateID, models.ChannelSMS)
		if err != nil {
			return nil, err
		}
		if body == "" {
			body = tpl.Body
		}
	}
	if body == "" {
		return nil, services.NewValidationError("body", "body or template_id is required")
	}
	if err := checkVariables(vars, body); err != nil {
		return nil, err
	}
	rendered := renderText(body, vars)
	if len(rendered) > maxSMSBodyLength {
		return nil, services.NewValidationError("body",
			fmt.Sprintf("rendered body exceeds %d characters", maxSMSBodyLength))
	}
	return &models.Message{
		MessageID:  uuid.NewString(),
		Channel:    models.ChannelSMS,
		To:         to,
		From:       from,
		Body:       rendered,
		TemplateID: templateID,
		Variables:  rawVars,
	}, nil
}

// buildEmail validates and renders one outbound email.
func (e *Engine) buildEmail(to, from, subject, html, text, templateID string, vars, rawVars map[string]any) (*models.Message, error) {
	if _, err := mail.ParseAddress(to); err != nil {
		return nil, services.NewValidationError("to", "recipient must be a valid email address")
	}
	if from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			return nil, services.NewValidationError("from", "sender must be a valid email address")
		}
	}
	if templateID != "" {
		tpl, err := e.resolveTemplate(templateID, models.ChannelEmail)
		if err != nil {
			return nil, err
		}
		if subject == "" {
			subject = tpl.Subject
		}
		if html == "" {
			html = tpl.HTML
		}
		if text == "" {
			text = tpl.Text
		}
	}
	if subject == "" {
		return nil, services.NewValidationError("subject", "subject or template_id is required")
	}
	if html == "" && text == "" {
		return nil, services.NewValidationError("html", "html, text, or template_id is required")
	}
	if err := checkVariables(vars, subject, html, text); err != nil {
		return nil, err
	}
	return &models.Message{
		MessageID:  uuid.NewString(),
		Channel:    models.ChannelEmail,
		To:         to,
		From:       from,
		Subject:    renderText(subject, vars),
		HTML:       renderText(html, vars),
		Text:       renderText(text, vars),
		TemplateID: templateID,
		Variables:  rawVars,
	}, nil
}

func (e *Engine) resolveTemplate(id string, channel models.MessageChannel) (*Template, error) {
	tpl, ok := e.templates.Get(id)
	if !ok {
		return nil, services.NewValidationError("template_id", fmt.Sprintf("unknown template %q", id))
	}
	if tpl.Channel != channel {
		return nil, services.NewValidationError("template_id",
			fmt.Sprintf("template %q is registered for %s", id, tpl.Channel))
	}
	return tpl, nil
}

func (e *Engine) persist(ctx context.Context, msg *models.Message, hash, key string) (*EnqueueResult, error) {
	enqueue := func() (*services.EnqueueOutcome, error) {
		return e.store.Enqueue(ctx, msg, hash)
	}
	var out *services.EnqueueOutcome
	var err error
	if key == "" {
		out, err = enqueue()
	} else {
		var v any
		v, err, _ = e.group.Do("msg|"+key, func() (any, error) { return enqueue() })
		if err == nil {
			out = v.(*services.EnqueueOutcome)
		}
	}
	if err != nil {
		return nil, err
	}

	switch {
	case out.Suppressed:
		e.count(ctx, out.Message.Channel, "suppressed")
	case !out.Deduped:
		e.count(ctx, out.Message.Channel, "queued")
	}
	e.logger.Info("Message enqueued",
		"message_id", out.Message.MessageID,
		"channel", out.Message.Channel,
		"status", out.Message.Status,
		"deduped", out.Deduped)
	return &EnqueueResult{Message: out.Message, Deduped: out.Deduped, Suppressed: out.Suppressed}, nil
}

func (e *Engine) count(ctx context.Context, channel models.MessageChannel, outcome string) {
	countMetric(ctx, e.metrics, e.logger, channel, outcome)
}

// countMetric is best effort; a metrics hiccup never blocks delivery work.
func countMetric(ctx context.Context, m Metrics, logger *slog.Logger, channel models.MessageChannel, outcome string) {
	if m == nil {
		return
	}
	if err := m.Increment(ctx, string(channel), outcome); err != nil {
		logger.Debug("Failed to increment delivery metric", "outcome", outcome, "error", err)
	}
}

// mergeVariables deep-merges recipient overrides over the request-level
// base. Override values win; base fills the gaps, recursing into nested
// maps. Neither input map is mutated; the merge works on a copy so the
// stored per-recipient variables stay exactly what the caller sent.
func mergeVariables(base, overrides map[string]any) map[string]any {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := deepCopyMap(overrides)
	if merged == nil {
		merged = map[string]any{}
	}
	if err := mergo.Merge(&merged, base); err != nil {
		return merged
	}
	return merged
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = deepCopyMap(m)
		} else {
			dst[k] = v
		}
	}
	return dst
}

// hashInput is the canonical single-message identity. encoding/json sorts
// map keys, so identical variables always marshal identically.
type hashInput struct {
	Channel    models.MessageChannel `json:"channel"`
	To         string                `json:"to"`
	From       string                `json:"from"`
	Subject    string                `json:"subject"`
	TemplateID string                `json:"template_id"`
	Variables  map[string]any        `json:"variables"`
	HTML       string                `json:"html"`
	Text       string                `json:"text"`
	Body       string                `json:"body"`
	SendAt     string                `json:"send_at"`
}

// bulkHashInput is the canonical bulk-request identity. Recipient order is
// part of it; resubmitting the same body byte for byte is what dedupes.
type bulkHashInput struct {
	Channel    models.MessageChannel `json:"channel"`
	Recipients []BulkRecipient       `json:"recipients"`
	From       string                `json:"from"`
	Subject    string                `json:"subject"`
	TemplateID string                `json:"template_id"`
	Variables  map[string]any        `json:"variables"`
	HTML       string                `json:"html"`
	Text       string                `json:"text"`
	Body       string                `json:"body"`
	SendAt     string                `json:"send_at"`
}

func requestHash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only unmarshalable variable values can land here; hash the
		// error text so the enqueue still gets a stable-enough key.
		b = []byte(err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func scheduleTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
