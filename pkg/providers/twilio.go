package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/models"
)

const twilioDefaultBaseURL = "https://api.twilio.com"

// TwilioAdapter drives Twilio Programmable Voice. Control documents are
// TwiML; call audio arrives over a Media Streams WebSocket. Webhooks carry
// our call SID in the callback path, so no provider-ID lookup is needed.
type TwilioAdapter struct {
	name       string
	accountSID string
	authToken  string
	baseURL    string
	from       string
	publicBase string
	client     *http.Client
}

// NewTwilioAdapter builds a Twilio adapter from resolved options.
func NewTwilioAdapter(opts AdapterOptions) *TwilioAdapter {
	base := opts.BaseURL
	if base == "" {
		base = twilioDefaultBaseURL
	}
	return &TwilioAdapter{
		name:       opts.Name,
		accountSID: opts.Account,
		authToken:  opts.Secret,
		baseURL:    strings.TrimRight(base, "/"),
		from:       opts.FromNumber,
		publicBase: opts.PublicBaseURL,
		client:     opts.HTTPClient,
	}
}

func (a *TwilioAdapter) Name() string { return a.name }

// Originate places an outbound call via the Calls resource. The answer URL
// and status callback both embed our call SID.
func (a *TwilioAdapter) Originate(ctx context.Context, req OriginateRequest) (*OriginateResponse, error) {
	from := req.From
	if from == "" {
		from = a.from
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Url", WebhookURL(a.publicBase, a.name, req.CallSID, "answer"))
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", WebhookURL(a.publicBase, a.name, req.CallSID, "status"))
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
		if req.MachineDetectionTimeout > 0 {
			form.Set("MachineDetectionTimeout", strconv.Itoa(int(req.MachineDetectionTimeout.Seconds())))
		}
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", a.baseURL, a.accountSID)
	var out struct {
		Sid    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := a.postForm(ctx, "originate", endpoint, form, &out); err != nil {
		return nil, err
	}
	return &OriginateResponse{ProviderCallID: out.Sid, CarrierStatus: out.Status}, nil
}

// Terminate completes a live call.
func (a *TwilioAdapter) Terminate(ctx context.Context, providerCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		a.baseURL, a.accountSID, url.PathEscape(providerCallID))
	return a.postForm(ctx, "terminate", endpoint, form, nil)
}

// Redirect points a live call at a new TwiML URL.
func (a *TwilioAdapter) Redirect(ctx context.Context, providerCallID, documentURL string) error {
	form := url.Values{}
	form.Set("Url", documentURL)
	form.Set("Method", http.MethodPost)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		a.baseURL, a.accountSID, url.PathEscape(providerCallID))
	return a.postForm(ctx, "redirect", endpoint, form, nil)
}

func (a *TwilioAdapter) postForm(ctx context.Context, op, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(a.accountSID, a.authToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach twilio for %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read twilio %s response: %w", op, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		code := ""
		if apiErr.Code != 0 {
			code = strconv.Itoa(apiErr.Code)
		}
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return classifyStatus(a.name, op, resp.StatusCode, code, msg)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode twilio %s response: %w", op, err)
		}
	}
	return nil
}

// twimlResponse covers the TwiML verbs the orchestrator uses. Field order
// fixes element order; nil verbs are omitted.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Play    *twimlPlay    `xml:"Play,omitempty"`
	Gather  *twimlGather  `xml:"Gather,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Pause   *twimlPause   `xml:"Pause,omitempty"`
	Hangup  *twimlHangup  `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlPlay struct {
	URL string `xml:",chardata"`
}

type twimlGather struct {
	Action      string    `xml:"action,attr"`
	Method      string    `xml:"method,attr"`
	Input       string    `xml:"input,attr"`
	NumDigits   int       `xml:"numDigits,attr,omitempty"`
	Timeout     int       `xml:"timeout,attr,omitempty"`
	FinishOnKey string    `xml:"finishOnKey,attr"`
	Say         *twimlSay `xml:"Say,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

type twimlHangup struct{}

func marshalTwiML(doc twimlResponse) (*Document, error) {
	b, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal twiml: %w", err)
	}
	return &Document{
		ContentType: "application/xml",
		Body:        append([]byte(xml.Header), b...),
	}, nil
}

// AnswerDocument greets (optionally) and connects the Media Streams socket.
func (a *TwilioAdapter) AnswerDocument(req AnswerRequest) (*Document, error) {
	doc := twimlResponse{
		Connect: &twimlConnect{
			Stream: twimlStream{
				URL:        MediaURL(a.publicBase, req.CallSID),
				Parameters: []twimlParameter{{Name: "callSid", Value: req.CallSID}},
			},
		},
	}
	if req.Greeting != "" {
		doc.Say = &twimlSay{Text: req.Greeting}
	}
	return marshalTwiML(doc)
}

// GatherDocument collects DTMF and posts it to the gather callback. An empty
// Terminator emits finishOnKey="" so only maxDigits ends the capture.
func (a *TwilioAdapter) GatherDocument(req GatherRequest) (*Document, error) {
	g := &twimlGather{
		Action:      WebhookURL(a.publicBase, a.name, req.CallSID, "gather"),
		Method:      http.MethodPost,
		Input:       "dtmf",
		NumDigits:   req.MaxDigits,
		Timeout:     req.TimeoutSec,
		FinishOnKey: req.Terminator,
	}
	if req.Prompt != "" {
		g.Say = &twimlSay{Text: req.Prompt}
	}
	return marshalTwiML(twimlResponse{Gather: g})
}

// SpeakDocument plays synthesized text or a pre-rendered audio URL.
func (a *TwilioAdapter) SpeakDocument(req SpeakRequest) (*Document, error) {
	if (req.Text == "") == (req.AudioURL == "") {
		return nil, errors.New("speak requires exactly one of text or audio url")
	}
	doc := twimlResponse{}
	if req.Text != "" {
		doc.Say = &twimlSay{Text: req.Text}
	} else {
		doc.Play = &twimlPlay{URL: req.AudioURL}
	}
	return marshalTwiML(doc)
}

// HangupDocument ends the call.
func (a *TwilioAdapter) HangupDocument() *Document {
	return &Document{
		ContentType: "application/xml",
		Body:        []byte(xml.Header + "<Response><Hangup></Hangup></Response>"),
	}
}

// HoldDocument parks an inbound caller. TwiML has no ring-hold, so the call
// is answered into silence and hangs up when the offer window closes.
func (a *TwilioAdapter) HoldDocument(callSID string, timeoutSec int) (*Document, error) {
	return marshalTwiML(twimlResponse{
		Pause:  &twimlPause{Length: timeoutSec},
		Hangup: &twimlHangup{},
	})
}

// VerifySignature checks X-Twilio-Signature: base64 HMAC-SHA1 over the full
// request URL concatenated with the sorted form parameters.
func (a *TwilioAdapter) VerifySignature(r *http.Request, body []byte) error {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return fmt.Errorf("%w: missing X-Twilio-Signature", ErrSignatureInvalid)
	}

	mac := hmac.New(sha1.New, []byte(a.authToken))
	mac.Write([]byte(strings.TrimRight(a.publicBase, "/") + r.URL.RequestURI()))
	if len(body) > 0 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return fmt.Errorf("%w: unparsable form body", ErrSignatureInvalid)
		}
		keys := make([]string, 0, len(form))
		for k := range form {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			mac.Write([]byte(k))
			mac.Write([]byte(form.Get(k)))
		}
	}
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// ParseWebhook normalizes a Twilio form POST. The route suffix picks the
// event family; CallStatus refines status callbacks.
func (a *TwilioAdapter) ParseWebhook(r *http.Request, body []byte) (*WebhookEvent, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse twilio webhook form: %w", err)
	}

	callSID, kind := webhookPathParts(r.URL.Path)
	ev := &WebhookEvent{
		Provider:       a.name,
		CallSID:        callSID,
		ProviderCallID: form.Get("CallSid"),
		CarrierStatus:  form.Get("CallStatus"),
		From:           form.Get("From"),
		To:             form.Get("To"),
		ReceivedAt:     time.Now().UTC(),
	}

	switch kind {
	case "inbound":
		ev.Type = EventInbound
		ev.SequenceHint = "inbound"
	case "answer":
		ev.Type = EventAnswered
		ev.AnsweredBy = twilioAnsweredBy(form.Get("AnsweredBy"))
		ev.SequenceHint = "answer"
	case "gather":
		ev.Type = EventDigits
		ev.Digits = form.Get("Digits")
	case "status":
		ev.ErrorCode = form.Get("ErrorCode")
		ev.SequenceHint = form.Get("CallStatus")
		switch form.Get("CallStatus") {
		case "ringing":
			ev.Type = EventRinging
		case "in-progress":
			ev.Type = EventAnswered
			ev.AnsweredBy = twilioAnsweredBy(form.Get("AnsweredBy"))
		case "completed", "busy", "no-answer", "failed", "canceled":
			ev.Type = EventEnded
		default:
			ev.Type = EventStatus
		}
	default:
		return nil, fmt.Errorf("unknown twilio webhook kind %q", kind)
	}
	return ev, nil
}

func twilioAnsweredBy(v string) models.AnsweredBy {
	switch {
	case v == "human":
		return models.AnsweredByHuman
	case strings.HasPrefix(v, "machine"), v == "fax":
		return models.AnsweredByMachine
	default:
		return models.AnsweredByUnknown
	}
}

// webhookPathParts extracts our call SID and the route suffix from a webhook
// path built by WebhookURL. Inbound offers have no call SID yet.
func webhookPathParts(path string) (callSID, kind string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "inbound" {
			return "", "inbound"
		}
		if p == "calls" && i+2 < len(parts) {
			sid, err := url.PathUnescape(parts[i+1])
			if err != nil {
				sid = parts[i+1]
			}
			return sid, parts[i+2]
		}
	}
	return "", ""
}
