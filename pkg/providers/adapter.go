// Package providers implements the carrier adapters behind one capability
// interface: originate a call, build answer-time media-control documents,
// validate and normalize inbound webhooks, build DTMF gather and speech
// documents, terminate. A registry selects adapters by preference order with
// health-based failover.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// Normalized webhook event types. Every carrier payload is reduced to one of
// these before it reaches the orchestrator.
const (
	EventInbound     = "inbound"
	EventRinging     = "ringing"
	EventAnswered    = "answered"
	EventDigits      = "digits"
	EventStatus      = "status"
	EventStreamFrame = "stream.frame"
	EventEnded       = "ended"
	EventMediaError  = "media_error"
)

// OriginateRequest asks an adapter to place an outbound call. CallSID is the
// durable identifier allocated by the orchestrator; adapters embed it in the
// callback URLs so webhooks route back without a lookup.
type OriginateRequest struct {
	CallSID string
	To      string
	From    string // empty means the adapter's configured caller ID

	MachineDetection        bool
	MachineDetectionTimeout time.Duration
}

// OriginateResponse reports the carrier's acceptance of an originate.
type OriginateResponse struct {
	ProviderCallID string
	CarrierStatus  string
}

// AnswerRequest builds the media-control document returned when a call is
// answered: optional greeting, then connect the media stream.
type AnswerRequest struct {
	CallSID  string
	Greeting string
}

// GatherRequest builds a DTMF collection document for one expectation.
type GatherRequest struct {
	CallSID    string
	Prompt     string
	MaxDigits  int
	Terminator string
	TimeoutSec int
}

// SpeakRequest builds a speech document: either synthesized text or a
// pre-rendered audio URL, exactly one set.
type SpeakRequest struct {
	CallSID  string
	Text     string
	AudioURL string
}

// Document is a carrier media-control response body.
type Document struct {
	ContentType string
	Body        []byte
}

// WebhookEvent is the provider-neutral envelope every inbound carrier
// webhook is normalized into.
type WebhookEvent struct {
	Provider       string
	Type           string // one of the Event* constants
	CallSID        string // ours, when the carrier echoed it
	ProviderCallID string
	CarrierStatus  string
	AnsweredBy     models.AnsweredBy
	Digits         string
	ErrorCode      string
	SequenceHint   string // carrier sequence number or payload hash
	From           string
	To             string
	ReceivedAt     time.Time
}

// DedupeKey identifies a delivery for the redelivery-suppression window.
// Gather events dedupe on the digits payload per the capture semantics.
func (e *WebhookEvent) DedupeKey() string {
	id := e.CallSID
	if id == "" {
		id = e.ProviderCallID
	}
	if e.Type == EventDigits {
		return id + "|" + EventDigits + "|" + e.Digits
	}
	return id + "|" + e.Type + "|" + e.SequenceHint
}

// Adapter is the capability set every carrier implementation provides.
// Document builders are pure; Originate, Terminate and Redirect hit the
// carrier API and honor the context deadline.
type Adapter interface {
	Name() string

	Originate(ctx context.Context, req OriginateRequest) (*OriginateResponse, error)
	Terminate(ctx context.Context, providerCallID string) error

	// Redirect points a live call at a new control document. Used to pick
	// up a held inbound call once an operator answers it.
	Redirect(ctx context.Context, providerCallID, documentURL string) error

	AnswerDocument(req AnswerRequest) (*Document, error)
	GatherDocument(req GatherRequest) (*Document, error)
	SpeakDocument(req SpeakRequest) (*Document, error)
	HangupDocument() *Document

	// HoldDocument parks an inbound caller while operators decide.
	// The document hangs up by itself once the offer window closes.
	HoldDocument(callSID string, timeoutSec int) (*Document, error)

	// VerifySignature authenticates a webhook delivery. The ingress combines
	// the result with the configured validation mode (strict/warn/off).
	VerifySignature(r *http.Request, body []byte) error

	// ParseWebhook normalizes a carrier payload. The ingress resolves
	// CallSID from the route when the carrier cannot echo it.
	ParseWebhook(r *http.Request, body []byte) (*WebhookEvent, error)
}

// Error is a classified carrier API failure. Transient failures are eligible
// for originate retry and failover; permanent ones surface immediately.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d code=%s: %s",
			e.Provider, e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: code=%s: %s", e.Provider, e.Op, e.Code, e.Message)
}

// ErrSignatureInvalid is returned by VerifySignature when the webhook did
// not authenticate.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// WebhookURL builds the callback URL an adapter hands the carrier. kind is
// the route suffix (answer, status, gather). The HTTP server registers the
// matching routes under /webhooks.
func WebhookURL(base, provider, callSID, kind string) string {
	return fmt.Sprintf("%s/webhooks/%s/calls/%s/%s",
		strings.TrimRight(base, "/"), provider, url.PathEscape(callSID), kind)
}

// MediaURL builds the WebSocket endpoint the carrier streams call audio to.
func MediaURL(base, callSID string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/media/" + url.PathEscape(callSID)
}

// IsTransient reports whether err is worth retrying: adapter-classified
// transient failures plus anything that never produced a carrier response
// (network errors, timeouts).
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	// No classified response means the request may not have arrived.
	return err != nil
}

// classifyStatus maps a carrier HTTP status to a classified Error.
// 429 and 5xx are transient; other 4xx are permanent.
func classifyStatus(provider, op string, status int, code, message string) *Error {
	return &Error{
		Provider:   provider,
		Op:         op,
		StatusCode: status,
		Code:       code,
		Message:    message,
		Transient:  status == http.StatusTooManyRequests || status >= 500,
	}
}
