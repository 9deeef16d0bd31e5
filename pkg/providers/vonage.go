package providers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trunkline-io/trunkline/pkg/models"
)

const vonageDefaultBaseURL = "https://api.nexmo.com"

// VonageAdapter drives a Vonage-style Voice API. Control documents are NCCO
// JSON arrays; API requests carry a short-lived HS256 bearer token minted
// from the API secret, and webhooks authenticate with a bearer token whose
// payload_hash claim binds the token to the delivered body.
type VonageAdapter struct {
	name       string
	apiKey     string
	secret     string
	baseURL    string
	from       string
	publicBase string
	client     *http.Client
}

// NewVonageAdapter builds a Vonage adapter from resolved options.
func NewVonageAdapter(opts AdapterOptions) *VonageAdapter {
	base := opts.BaseURL
	if base == "" {
		base = vonageDefaultBaseURL
	}
	return &VonageAdapter{
		name:       opts.Name,
		apiKey:     opts.Account,
		secret:     opts.Secret,
		baseURL:    strings.TrimRight(base, "/"),
		from:       opts.FromNumber,
		publicBase: opts.PublicBaseURL,
		client:     opts.HTTPClient,
	}
}

func (a *VonageAdapter) Name() string { return a.name }

type vonagePhone struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type vonageCallRequest struct {
	To               []vonagePhone `json:"to"`
	From             vonagePhone   `json:"from"`
	AnswerURL        []string      `json:"answer_url"`
	AnswerMethod     string        `json:"answer_method"`
	EventURL         []string      `json:"event_url"`
	EventMethod      string        `json:"event_method"`
	MachineDetection string        `json:"machine_detection,omitempty"`
}

// Originate places an outbound call via POST /v1/calls. Machine detection
// uses "continue" so detection results arrive as events and the answer
// policy stays with the orchestrator.
func (a *VonageAdapter) Originate(ctx context.Context, req OriginateRequest) (*OriginateResponse, error) {
	from := req.From
	if from == "" {
		from = a.from
	}

	payload := vonageCallRequest{
		To:           []vonagePhone{{Type: "phone", Number: req.To}},
		From:         vonagePhone{Type: "phone", Number: from},
		AnswerURL:    []string{WebhookURL(a.publicBase, a.name, req.CallSID, "answer")},
		AnswerMethod: http.MethodPost,
		EventURL:     []string{WebhookURL(a.publicBase, a.name, req.CallSID, "status")},
		EventMethod:  http.MethodPost,
	}
	if req.MachineDetection {
		payload.MachineDetection = "continue"
	}

	var out struct {
		UUID   string `json:"uuid"`
		Status string `json:"status"`
	}
	if err := a.doJSON(ctx, "originate", http.MethodPost, a.baseURL+"/v1/calls", payload, &out); err != nil {
		return nil, err
	}
	return &OriginateResponse{ProviderCallID: out.UUID, CarrierStatus: out.Status}, nil
}

// Terminate hangs up a live call.
func (a *VonageAdapter) Terminate(ctx context.Context, providerCallID string) error {
	endpoint := a.baseURL + "/v1/calls/" + url.PathEscape(providerCallID)
	return a.doJSON(ctx, "terminate", http.MethodPut, endpoint, map[string]string{"action": "hangup"}, nil)
}

// Redirect transfers a live call onto a new NCCO.
func (a *VonageAdapter) Redirect(ctx context.Context, providerCallID, documentURL string) error {
	endpoint := a.baseURL + "/v1/calls/" + url.PathEscape(providerCallID)
	body := map[string]interface{}{
		"action": "transfer",
		"destination": map[string]interface{}{
			"type": "ncco",
			"url":  []string{documentURL},
		},
	}
	return a.doJSON(ctx, "redirect", http.MethodPut, endpoint, body, nil)
}

func (a *VonageAdapter) doJSON(ctx context.Context, op, method, endpoint string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.mintToken())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach vonage for %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read vonage %s response: %w", op, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Type   string `json:"type"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(body, &apiErr)
		msg := apiErr.Detail
		if msg == "" {
			msg = apiErr.Title
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return classifyStatus(a.name, op, resp.StatusCode, apiErr.Type, msg)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode vonage %s response: %w", op, err)
		}
	}
	return nil
}

// mintToken builds a short-lived HS256 bearer token for API calls.
func (a *VonageAdapter) mintToken() string {
	now := time.Now().Unix()
	claims, _ := json.Marshal(map[string]interface{}{
		"application_id": a.apiKey,
		"iat":            now,
		"exp":            now + 60,
		"jti":            uuid.NewString(),
	})
	return signJWT(claims, a.secret)
}

func signJWT(claims []byte, secret string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	return header + "." + payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NCCO action shapes. Each document is a JSON array of actions; the call
// hangs up when the last action completes.
type nccoTalk struct {
	Action  string `json:"action"` // talk
	Text    string `json:"text"`
	BargeIn bool   `json:"bargeIn,omitempty"`
}

type nccoStream struct {
	Action    string   `json:"action"` // stream
	StreamURL []string `json:"streamUrl"`
}

type nccoInput struct {
	Action      string    `json:"action"` // input
	Type        []string  `json:"type"`
	DTMF        *nccoDTMF `json:"dtmf,omitempty"`
	EventURL    []string  `json:"eventUrl,omitempty"`
	EventMethod string    `json:"eventMethod,omitempty"`
}

type nccoDTMF struct {
	MaxDigits    int  `json:"maxDigits,omitempty"`
	TimeOut      int  `json:"timeOut,omitempty"`
	SubmitOnHash bool `json:"submitOnHash,omitempty"`
}

type nccoConnect struct {
	Action   string         `json:"action"` // connect
	Endpoint []nccoEndpoint `json:"endpoint"`
}

type nccoEndpoint struct {
	Type        string            `json:"type"` // websocket
	URI         string            `json:"uri"`
	ContentType string            `json:"content-type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func marshalNCCO(actions ...interface{}) (*Document, error) {
	b, err := json.Marshal(actions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ncco: %w", err)
	}
	return &Document{ContentType: "application/json", Body: b}, nil
}

// AnswerDocument greets (optionally) and connects the media websocket.
func (a *VonageAdapter) AnswerDocument(req AnswerRequest) (*Document, error) {
	connect := nccoConnect{
		Action: "connect",
		Endpoint: []nccoEndpoint{{
			Type:        "websocket",
			URI:         MediaURL(a.publicBase, req.CallSID),
			ContentType: "audio/l16;rate=8000",
			Headers:     map[string]string{"callSid": req.CallSID},
		}},
	}
	if req.Greeting != "" {
		return marshalNCCO(nccoTalk{Action: "talk", Text: req.Greeting}, connect)
	}
	return marshalNCCO(connect)
}

// GatherDocument prompts and collects DTMF, posting the result to the gather
// callback. The platform only supports "#" as a submit key; any other
// terminator relies on maxDigits alone.
func (a *VonageAdapter) GatherDocument(req GatherRequest) (*Document, error) {
	input := nccoInput{
		Action: "input",
		Type:   []string{"dtmf"},
		DTMF: &nccoDTMF{
			MaxDigits:    req.MaxDigits,
			TimeOut:      req.TimeoutSec,
			SubmitOnHash: req.Terminator == "#",
		},
		EventURL:    []string{WebhookURL(a.publicBase, a.name, req.CallSID, "gather")},
		EventMethod: http.MethodPost,
	}
	if req.Prompt != "" {
		return marshalNCCO(nccoTalk{Action: "talk", Text: req.Prompt, BargeIn: true}, input)
	}
	return marshalNCCO(input)
}

// SpeakDocument plays synthesized text or a pre-rendered audio URL.
func (a *VonageAdapter) SpeakDocument(req SpeakRequest) (*Document, error) {
	if (req.Text == "") == (req.AudioURL == "") {
		return nil, errors.New("speak requires exactly one of text or audio url")
	}
	if req.Text != "" {
		return marshalNCCO(nccoTalk{Action: "talk", Text: req.Text})
	}
	return marshalNCCO(nccoStream{Action: "stream", StreamURL: []string{req.AudioURL}})
}

// HangupDocument is an empty NCCO: no further actions ends the call.
func (a *VonageAdapter) HangupDocument() *Document {
	return &Document{ContentType: "application/json", Body: []byte("[]")}
}

// HoldDocument parks an inbound caller behind a silent input action that
// expires with the offer window.
func (a *VonageAdapter) HoldDocument(callSID string, timeoutSec int) (*Document, error) {
	return marshalNCCO(
		nccoTalk{Action: "talk", Text: "Please hold."},
		nccoInput{
			Action: "input",
			Type:   []string{"dtmf"},
			DTMF:   &nccoDTMF{MaxDigits: 1, TimeOut: timeoutSec},
		},
	)
}

// VerifySignature checks the webhook bearer token: HS256 over header.payload
// with the API secret, plus a payload_hash claim matching SHA-256 of the
// delivered body so a token cannot be replayed onto a different payload.
func (a *VonageAdapter) VerifySignature(r *http.Request, body []byte) error {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return fmt.Errorf("%w: missing bearer token", ErrSignatureInvalid)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed token", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return ErrSignatureInvalid
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%w: unreadable claims", ErrSignatureInvalid)
	}
	var claims struct {
		PayloadHash string `json:"payload_hash"`
	}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return fmt.Errorf("%w: unreadable claims", ErrSignatureInvalid)
	}
	sum := sha256.Sum256(body)
	if claims.PayloadHash != hex.EncodeToString(sum[:]) {
		return fmt.Errorf("%w: payload hash mismatch", ErrSignatureInvalid)
	}
	return nil
}

type vonageWebhook struct {
	UUID             string `json:"uuid"`
	ConversationUUID string `json:"conversation_uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	From             string `json:"from"`
	To               string `json:"to"`
	Timestamp        string `json:"timestamp"`
	Reason           string `json:"reason"`
	DTMF             *struct {
		Digits   string `json:"digits"`
		TimedOut bool   `json:"timed_out"`
	} `json:"dtmf"`
}

// ParseWebhook normalizes a Vonage JSON webhook. Machine detection arrives
// as status "machine"/"human" rather than a field on the answer event.
func (a *VonageAdapter) ParseWebhook(r *http.Request, body []byte) (*WebhookEvent, error) {
	var wh vonageWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("failed to parse vonage webhook body: %w", err)
	}

	callSID, kind := webhookPathParts(r.URL.Path)
	ev := &WebhookEvent{
		Provider:       a.name,
		CallSID:        callSID,
		ProviderCallID: wh.UUID,
		CarrierStatus:  wh.Status,
		From:           wh.From,
		To:             wh.To,
		ReceivedAt:     time.Now().UTC(),
	}

	switch kind {
	case "inbound":
		ev.Type = EventInbound
		ev.SequenceHint = "inbound"
	case "answer":
		ev.Type = EventAnswered
		ev.SequenceHint = "answer"
	case "gather":
		ev.Type = EventDigits
		if wh.DTMF != nil {
			ev.Digits = wh.DTMF.Digits
		}
	case "status":
		ev.SequenceHint = wh.Status
		switch wh.Status {
		case "started", "ringing":
			ev.Type = EventRinging
		case "answered":
			ev.Type = EventAnswered
		case "human":
			ev.Type = EventAnswered
			ev.AnsweredBy = models.AnsweredByHuman
		case "machine":
			ev.Type = EventAnswered
			ev.AnsweredBy = models.AnsweredByMachine
		case "completed", "busy", "cancelled", "failed", "rejected", "timeout", "unanswered":
			ev.Type = EventEnded
			ev.ErrorCode = wh.Reason
		default:
			ev.Type = EventStatus
		}
	default:
		return nil, fmt.Errorf("unknown vonage webhook kind %q", kind)
	}
	return ev, nil
}
