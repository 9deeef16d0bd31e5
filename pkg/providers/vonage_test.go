package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/models"
)

func newTestVonage(baseURL string, client *http.Client) *VonageAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return NewVonageAdapter(AdapterOptions{
		Name:          "vonage",
		Account:       "app-1234",
		Secret:        "vonage-secret",
		BaseURL:       baseURL,
		FromNumber:    "+15550001111",
		PublicBaseURL: "https://calls.example.com",
		HTTPClient:    client,
	})
}

func TestVonageOriginate(t *testing.T) {
	var got vonageCallRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"uuid":"uu-1","status":"started"}`))
	}))
	defer srv.Close()

	adapter := newTestVonage(srv.URL, srv.Client())
	resp, err := adapter.Originate(context.Background(), OriginateRequest{
		CallSID:          "call-1",
		To:               "+15557654321",
		MachineDetection: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "uu-1", resp.ProviderCallID)
	assert.Equal(t, "started", resp.CarrierStatus)

	require.Len(t, got.To, 1)
	assert.Equal(t, "+15557654321", got.To[0].Number)
	assert.Equal(t, "+15550001111", got.From.Number)
	assert.Equal(t, []string{"https://calls.example.com/webhooks/vonage/calls/call-1/answer"}, got.AnswerURL)
	assert.Equal(t, []string{"https://calls.example.com/webhooks/vonage/calls/call-1/status"}, got.EventURL)
	assert.Equal(t, "continue", got.MachineDetection)

	// Bearer token is a three-part JWT signed with the API secret.
	token, ok := strings.CutPrefix(auth, "Bearer ")
	require.True(t, ok)
	assert.Len(t, strings.Split(token, "."), 3)
}

func TestVonageDocuments(t *testing.T) {
	adapter := newTestVonage("", nil)

	decode := func(t *testing.T, doc *Document) []map[string]interface{} {
		t.Helper()
		assert.Equal(t, "application/json", doc.ContentType)
		var actions []map[string]interface{}
		require.NoError(t, json.Unmarshal(doc.Body, &actions))
		return actions
	}

	t.Run("answer connects websocket endpoint", func(t *testing.T) {
		doc, err := adapter.AnswerDocument(AnswerRequest{CallSID: "call-1", Greeting: "Hello"})
		require.NoError(t, err)

		actions := decode(t, doc)
		require.Len(t, actions, 2)
		assert.Equal(t, "talk", actions[0]["action"])
		assert.Equal(t, "connect", actions[1]["action"])

		endpoints := actions[1]["endpoint"].([]interface{})
		ep := endpoints[0].(map[string]interface{})
		assert.Equal(t, "websocket", ep["type"])
		assert.Equal(t, "wss://calls.example.com/media/call-1", ep["uri"])
	})

	t.Run("gather uses hash submit only for hash terminator", func(t *testing.T) {
		doc, err := adapter.GatherDocument(GatherRequest{
			CallSID: "call-1", Prompt: "Code please", MaxDigits: 6, Terminator: "#", TimeoutSec: 5,
		})
		require.NoError(t, err)
		actions := decode(t, doc)
		require.Len(t, actions, 2)
		dtmf := actions[1]["dtmf"].(map[string]interface{})
		assert.Equal(t, float64(6), dtmf["maxDigits"])
		assert.Equal(t, true, dtmf["submitOnHash"])

		doc, err = adapter.GatherDocument(GatherRequest{CallSID: "call-1", MaxDigits: 4, Terminator: "*"})
		require.NoError(t, err)
		actions = decode(t, doc)
		dtmf = actions[0]["dtmf"].(map[string]interface{})
		_, hasSubmit := dtmf["submitOnHash"]
		assert.False(t, hasSubmit)
	})

	t.Run("hangup is the empty document", func(t *testing.T) {
		doc := adapter.HangupDocument()
		assert.Equal(t, "[]", string(doc.Body))
	})
}

// vonageToken builds a webhook bearer token bound to body.
func vonageToken(t *testing.T, secret string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims, err := json.Marshal(map[string]string{"payload_hash": hex.EncodeToString(sum[:])})
	require.NoError(t, err)
	return signJWT(claims, secret)
}

func TestVonageVerifySignature(t *testing.T) {
	adapter := newTestVonage("", nil)
	body := []byte(`{"uuid":"uu-1","status":"ringing"}`)

	newReq := func(token string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/vonage/calls/call-1/status", strings.NewReader(string(body)))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req
	}

	t.Run("accepts bound token", func(t *testing.T) {
		assert.NoError(t, adapter.VerifySignature(newReq(vonageToken(t, "vonage-secret", body)), body))
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		err := adapter.VerifySignature(newReq(vonageToken(t, "other-secret", body)), body)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rejects token replayed onto different payload", func(t *testing.T) {
		err := adapter.VerifySignature(newReq(vonageToken(t, "vonage-secret", body)), []byte(`{"uuid":"uu-2"}`))
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rejects missing token", func(t *testing.T) {
		err := adapter.VerifySignature(newReq(""), body)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})
}

func TestVonageParseWebhook(t *testing.T) {
	adapter := newTestVonage("", nil)

	parse := func(t *testing.T, path, body string) *WebhookEvent {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		ev, err := adapter.ParseWebhook(req, []byte(body))
		require.NoError(t, err)
		return ev
	}

	t.Run("status mapping", func(t *testing.T) {
		cases := []struct {
			status string
			want   string
		}{
			{"started", EventRinging},
			{"ringing", EventRinging},
			{"answered", EventAnswered},
			{"completed", EventEnded},
			{"busy", EventEnded},
			{"unanswered", EventEnded},
			{"transferring", EventStatus},
		}
		for _, tc := range cases {
			ev := parse(t, "/webhooks/vonage/calls/call-1/status",
				`{"uuid":"uu-1","status":"`+tc.status+`"}`)
			assert.Equal(t, tc.want, ev.Type, "status %s", tc.status)
			assert.Equal(t, tc.status, ev.SequenceHint)
		}
	})

	t.Run("machine detection arrives as status", func(t *testing.T) {
		ev := parse(t, "/webhooks/vonage/calls/call-1/status", `{"uuid":"uu-1","status":"machine"}`)
		assert.Equal(t, EventAnswered, ev.Type)
		assert.Equal(t, models.AnsweredByMachine, ev.AnsweredBy)

		ev = parse(t, "/webhooks/vonage/calls/call-1/status", `{"uuid":"uu-1","status":"human"}`)
		assert.Equal(t, EventAnswered, ev.Type)
		assert.Equal(t, models.AnsweredByHuman, ev.AnsweredBy)
	})

	t.Run("gather carries dtmf digits", func(t *testing.T) {
		ev := parse(t, "/webhooks/vonage/calls/call-1/gather",
			`{"uuid":"uu-1","dtmf":{"digits":"4321","timed_out":false}}`)
		assert.Equal(t, EventDigits, ev.Type)
		assert.Equal(t, "4321", ev.Digits)
		assert.Equal(t, "call-1", ev.CallSID)
	})
}
