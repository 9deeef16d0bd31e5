package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/models"
)

func newTestConnect(baseURL string, client *http.Client) *ConnectAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return NewConnectAdapter(AdapterOptions{
		Name:          "connect",
		Account:       "key-1",
		Secret:        "connect-secret",
		BaseURL:       baseURL,
		FromNumber:    "+15550001111",
		PublicBaseURL: "https://calls.example.com",
		HTTPClient:    client,
	})
}

func TestConnectOriginate(t *testing.T) {
	var got connectContactRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		// Requests are signed the same way webhooks are.
		ts := r.Header.Get("X-Connect-Timestamp")
		assert.Equal(t, "key-1", r.Header.Get("X-Connect-Key"))
		assert.Equal(t, connectSign("connect-secret", ts, body), r.Header.Get("X-Connect-Signature"))

		_, _ = w.Write([]byte(`{"contactId":"ct-9","state":"dialing"}`))
	}))
	defer srv.Close()

	adapter := newTestConnect(srv.URL, srv.Client())
	resp, err := adapter.Originate(context.Background(), OriginateRequest{
		CallSID:                 "call-1",
		To:                      "+15557654321",
		MachineDetection:        true,
		MachineDetectionTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ct-9", resp.ProviderCallID)
	assert.Equal(t, "dialing", resp.CarrierStatus)

	assert.Equal(t, "+15557654321", got.Destination)
	assert.Equal(t, "+15550001111", got.Source)
	assert.Equal(t, "https://calls.example.com/webhooks/connect/calls/call-1/answer", got.AnswerURL)
	assert.True(t, got.DetectMachine)
	assert.Equal(t, 30, got.DetectTimeout)
}

func TestConnectDocuments(t *testing.T) {
	adapter := newTestConnect("", nil)

	decode := func(t *testing.T, doc *Document) connectDocument {
		t.Helper()
		assert.Equal(t, "application/json", doc.ContentType)
		var out connectDocument
		require.NoError(t, json.Unmarshal(doc.Body, &out))
		return out
	}

	t.Run("answer attaches stream", func(t *testing.T) {
		doc, err := adapter.AnswerDocument(AnswerRequest{CallSID: "call-1"})
		require.NoError(t, err)
		out := decode(t, doc)
		require.Len(t, out.Actions, 1)
		assert.Equal(t, "stream", out.Actions[0].Type)
		assert.Equal(t, "wss://calls.example.com/media/call-1", out.Actions[0].URL)
	})

	t.Run("gather round-trips settings", func(t *testing.T) {
		doc, err := adapter.GatherDocument(GatherRequest{
			CallSID: "call-1", Prompt: "Enter code", MaxDigits: 8, Terminator: "#", TimeoutSec: 5,
		})
		require.NoError(t, err)
		out := decode(t, doc)
		require.Len(t, out.Actions, 1)
		a := out.Actions[0]
		assert.Equal(t, "gather", a.Type)
		assert.Equal(t, 8, a.MaxDigits)
		assert.Equal(t, "#", a.Terminator)
		assert.Equal(t, "https://calls.example.com/webhooks/connect/calls/call-1/gather", a.SubmitURL)
	})

	t.Run("hold pauses then hangs up", func(t *testing.T) {
		doc, err := adapter.HoldDocument("call-1", 25)
		require.NoError(t, err)
		out := decode(t, doc)
		require.Len(t, out.Actions, 2)
		assert.Equal(t, "pause", out.Actions[0].Type)
		assert.Equal(t, 25, out.Actions[0].TimeoutSec)
		assert.Equal(t, "hangup", out.Actions[1].Type)
	})
}

func TestConnectVerifySignature(t *testing.T) {
	adapter := newTestConnect("", nil)
	now := time.Now()
	adapter.now = func() time.Time { return now }

	body := []byte(`{"contactId":"ct-9","event":"status","state":"ringing"}`)

	newReq := func(ts string, sig string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/connect/calls/call-1/status", strings.NewReader(string(body)))
		req.Header.Set("X-Connect-Timestamp", ts)
		req.Header.Set("X-Connect-Signature", sig)
		return req
	}

	t.Run("accepts fresh signed delivery", func(t *testing.T) {
		ts := strconv.FormatInt(now.Unix(), 10)
		assert.NoError(t, adapter.VerifySignature(newReq(ts, connectSign("connect-secret", ts, body)), body))
	})

	t.Run("rejects stale timestamp", func(t *testing.T) {
		ts := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
		err := adapter.VerifySignature(newReq(ts, connectSign("connect-secret", ts, body)), body)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		ts := strconv.FormatInt(now.Unix(), 10)
		err := adapter.VerifySignature(newReq(ts, connectSign("bad", ts, body)), body)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rejects missing headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(""))
		assert.ErrorIs(t, adapter.VerifySignature(req, nil), ErrSignatureInvalid)
	})
}

func TestConnectParseWebhook(t *testing.T) {
	adapter := newTestConnect("", nil)

	parse := func(t *testing.T, path, body string) *WebhookEvent {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		ev, err := adapter.ParseWebhook(req, []byte(body))
		require.NoError(t, err)
		return ev
	}

	t.Run("sequence becomes dedupe hint", func(t *testing.T) {
		ev := parse(t, "/webhooks/connect/calls/call-1/status",
			`{"contactId":"ct-9","state":"ringing","sequence":42}`)
		assert.Equal(t, EventRinging, ev.Type)
		assert.Equal(t, "42", ev.SequenceHint)
	})

	t.Run("state mapping", func(t *testing.T) {
		cases := []struct {
			state string
			want  string
		}{
			{"ringing", EventRinging},
			{"connected", EventAnswered},
			{"disconnected", EventEnded},
			{"busy", EventEnded},
			{"media-error", EventMediaError},
			{"queued", EventStatus},
		}
		for _, tc := range cases {
			ev := parse(t, "/webhooks/connect/calls/call-1/status",
				`{"contactId":"ct-9","state":"`+tc.state+`"}`)
			assert.Equal(t, tc.want, ev.Type, "state %s", tc.state)
		}
	})

	t.Run("answer reports detection", func(t *testing.T) {
		ev := parse(t, "/webhooks/connect/calls/call-1/answer",
			`{"contactId":"ct-9","state":"connected","answeredBy":"voicemail"}`)
		assert.Equal(t, EventAnswered, ev.Type)
		assert.Equal(t, models.AnsweredByMachine, ev.AnsweredBy)
	})

	t.Run("gather digits", func(t *testing.T) {
		ev := parse(t, "/webhooks/connect/calls/call-1/gather",
			`{"contactId":"ct-9","digits":"0423"}`)
		assert.Equal(t, EventDigits, ev.Type)
		assert.Equal(t, "0423", ev.Digits)
	})
}
