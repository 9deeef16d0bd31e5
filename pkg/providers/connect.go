package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// connectSignatureSkew bounds how old a signed webhook timestamp may be.
const connectSignatureSkew = 5 * time.Minute

// ConnectAdapter drives a Connect-style contact API. Control documents are
// JSON action lists; API requests authenticate with a key ID header plus an
// HMAC-SHA256 signature over timestamp and body, and webhooks carry the same
// signature scheme in X-Connect-Signature / X-Connect-Timestamp.
type ConnectAdapter struct {
	name       string
	keyID      string
	secret     string
	baseURL    string
	from       string
	publicBase string
	client     *http.Client

	// now is swappable for signature-window tests.
	now func() time.Time
}

// NewConnectAdapter builds a Connect adapter from resolved options.
func NewConnectAdapter(opts AdapterOptions) *ConnectAdapter {
	return &ConnectAdapter{
		name:       opts.Name,
		keyID:      opts.Account,
		secret:     opts.Secret,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		from:       opts.FromNumber,
		publicBase: opts.PublicBaseURL,
		client:     opts.HTTPClient,
		now:        time.Now,
	}
}

func (a *ConnectAdapter) Name() string { return a.name }

type connectContactRequest struct {
	Destination   string `json:"destination"`
	Source        string `json:"source"`
	AnswerURL     string `json:"answerUrl"`
	StatusURL     string `json:"statusUrl"`
	DetectMachine bool   `json:"detectMachine,omitempty"`
	DetectTimeout int    `json:"detectTimeoutSec,omitempty"`
}

// Originate starts an outbound contact via POST /v2/contacts.
func (a *ConnectAdapter) Originate(ctx context.Context, req OriginateRequest) (*OriginateResponse, error) {
	from := req.From
	if from == "" {
		from = a.from
	}

	payload := connectContactRequest{
		Destination:   req.To,
		Source:        from,
		AnswerURL:     WebhookURL(a.publicBase, a.name, req.CallSID, "answer"),
		StatusURL:     WebhookURL(a.publicBase, a.name, req.CallSID, "status"),
		DetectMachine: req.MachineDetection,
	}
	if req.MachineDetection && req.MachineDetectionTimeout > 0 {
		payload.DetectTimeout = int(req.MachineDetectionTimeout.Seconds())
	}

	var out struct {
		ContactID string `json:"contactId"`
		State     string `json:"state"`
	}
	if err := a.doJSON(ctx, "originate", http.MethodPost, a.baseURL+"/v2/contacts", payload, &out); err != nil {
		return nil, err
	}
	return &OriginateResponse{ProviderCallID: out.ContactID, CarrierStatus: out.State}, nil
}

// Terminate disconnects a live contact.
func (a *ConnectAdapter) Terminate(ctx context.Context, providerCallID string) error {
	endpoint := a.baseURL + "/v2/contacts/" + url.PathEscape(providerCallID) + "/hangup"
	return a.doJSON(ctx, "terminate", http.MethodPost, endpoint, struct{}{}, nil)
}

// Redirect points a live contact at a new document URL.
func (a *ConnectAdapter) Redirect(ctx context.Context, providerCallID, documentURL string) error {
	endpoint := a.baseURL + "/v2/contacts/" + url.PathEscape(providerCallID) + "/redirect"
	return a.doJSON(ctx, "redirect", http.MethodPost, endpoint, map[string]string{"documentUrl": documentURL}, nil)
}

func (a *ConnectAdapter) doJSON(ctx context.Context, op, method, endpoint string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	ts := strconv.FormatInt(a.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Connect-Key", a.keyID)
	req.Header.Set("X-Connect-Timestamp", ts)
	req.Header.Set("X-Connect-Signature", connectSign(a.secret, ts, payload))

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach connect for %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read connect %s response: %w", op, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return classifyStatus(a.name, op, resp.StatusCode, apiErr.Code, msg)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode connect %s response: %w", op, err)
		}
	}
	return nil
}

// connectSign computes hex(HMAC-SHA256(secret, ts + "." + body)).
func connectSign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// connectAction is one step in a contact control document. Type selects the
// populated fields: speak, play, gather, stream, pause, hangup.
type connectAction struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`

	MaxDigits  int    `json:"maxDigits,omitempty"`
	Terminator string `json:"terminator,omitempty"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
	SubmitURL  string `json:"submitUrl,omitempty"`

	Parameters map[string]string `json:"parameters,omitempty"`
}

type connectDocument struct {
	Actions []connectAction `json:"actions"`
}

func marshalConnectDoc(actions ...connectAction) (*Document, error) {
	b, err := json.Marshal(connectDocument{Actions: actions})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact document: %w", err)
	}
	return &Document{ContentType: "application/json", Body: b}, nil
}

// AnswerDocument greets (optionally) and attaches the media websocket.
func (a *ConnectAdapter) AnswerDocument(req AnswerRequest) (*Document, error) {
	stream := connectAction{
		Type:       "stream",
		URL:        MediaURL(a.publicBase, req.CallSID),
		Parameters: map[string]string{"callSid": req.CallSID},
	}
	if req.Greeting != "" {
		return marshalConnectDoc(connectAction{Type: "speak", Text: req.Greeting}, stream)
	}
	return marshalConnectDoc(stream)
}

// GatherDocument prompts and collects DTMF, posting to the gather callback.
func (a *ConnectAdapter) GatherDocument(req GatherRequest) (*Document, error) {
	return marshalConnectDoc(connectAction{
		Type:       "gather",
		Text:       req.Prompt,
		MaxDigits:  req.MaxDigits,
		Terminator: req.Terminator,
		TimeoutSec: req.TimeoutSec,
		SubmitURL:  WebhookURL(a.publicBase, a.name, req.CallSID, "gather"),
	})
}

// SpeakDocument plays synthesized text or a pre-rendered audio URL.
func (a *ConnectAdapter) SpeakDocument(req SpeakRequest) (*Document, error) {
	if (req.Text == "") == (req.AudioURL == "") {
		return nil, errors.New("speak requires exactly one of text or audio url")
	}
	if req.Text != "" {
		return marshalConnectDoc(connectAction{Type: "speak", Text: req.Text})
	}
	return marshalConnectDoc(connectAction{Type: "play", URL: req.AudioURL})
}

// HangupDocument ends the contact.
func (a *ConnectAdapter) HangupDocument() *Document {
	doc, _ := marshalConnectDoc(connectAction{Type: "hangup"})
	return doc
}

// HoldDocument parks an inbound caller until the offer window closes.
func (a *ConnectAdapter) HoldDocument(callSID string, timeoutSec int) (*Document, error) {
	return marshalConnectDoc(
		connectAction{Type: "pause", TimeoutSec: timeoutSec},
		connectAction{Type: "hangup"},
	)
}

// VerifySignature checks X-Connect-Signature against the shared secret and
// rejects timestamps outside the skew window to stop replays.
func (a *ConnectAdapter) VerifySignature(r *http.Request, body []byte) error {
	sig := r.Header.Get("X-Connect-Signature")
	ts := r.Header.Get("X-Connect-Timestamp")
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing signature headers", ErrSignatureInvalid)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	age := a.now().Sub(time.Unix(unix, 0))
	if age > connectSignatureSkew || age < -connectSignatureSkew {
		return fmt.Errorf("%w: timestamp outside allowed window", ErrSignatureInvalid)
	}

	want := connectSign(a.secret, ts, body)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

type connectWebhook struct {
	ContactID  string `json:"contactId"`
	Event      string `json:"event"`
	State      string `json:"state"`
	Digits     string `json:"digits"`
	AnsweredBy string `json:"answeredBy"`
	ErrorCode  string `json:"errorCode"`
	Sequence   int64  `json:"sequence"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// ParseWebhook normalizes a Connect JSON webhook. Events carry a monotonic
// sequence number which becomes the dedupe hint.
func (a *ConnectAdapter) ParseWebhook(r *http.Request, body []byte) (*WebhookEvent, error) {
	var wh connectWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("failed to parse connect webhook body: %w", err)
	}

	callSID, kind := webhookPathParts(r.URL.Path)
	ev := &WebhookEvent{
		Provider:       a.name,
		CallSID:        callSID,
		ProviderCallID: wh.ContactID,
		CarrierStatus:  wh.State,
		From:           wh.From,
		To:             wh.To,
		ReceivedAt:     time.Now().UTC(),
	}
	if wh.Sequence > 0 {
		ev.SequenceHint = strconv.FormatInt(wh.Sequence, 10)
	}

	switch kind {
	case "inbound":
		ev.Type = EventInbound
		if ev.SequenceHint == "" {
			ev.SequenceHint = "inbound"
		}
	case "answer":
		ev.Type = EventAnswered
		ev.AnsweredBy = connectAnsweredBy(wh.AnsweredBy)
		if ev.SequenceHint == "" {
			ev.SequenceHint = "answer"
		}
	case "gather":
		ev.Type = EventDigits
		ev.Digits = wh.Digits
	case "status":
		if ev.SequenceHint == "" {
			ev.SequenceHint = wh.State
		}
		switch wh.State {
		case "ringing":
			ev.Type = EventRinging
		case "connected":
			ev.Type = EventAnswered
			ev.AnsweredBy = connectAnsweredBy(wh.AnsweredBy)
		case "disconnected", "busy", "no-answer", "failed":
			ev.Type = EventEnded
			ev.ErrorCode = wh.ErrorCode
		case "media-error":
			ev.Type = EventMediaError
			ev.ErrorCode = wh.ErrorCode
		default:
			ev.Type = EventStatus
		}
	default:
		return nil, fmt.Errorf("unknown connect webhook kind %q", kind)
	}
	return ev, nil
}

func connectAnsweredBy(v string) models.AnsweredBy {
	switch v {
	case "human":
		return models.AnsweredByHuman
	case "machine", "voicemail":
		return models.AnsweredByMachine
	default:
		return models.AnsweredByUnknown
	}
}
