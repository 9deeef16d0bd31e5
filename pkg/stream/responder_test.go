package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/models"
)

func TestOpenRouterResponderReply(t *testing.T) {
	var gotReq chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "  Thanks, one moment please.  "}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	responder, err := NewOpenRouterResponder("or-key", "openai/gpt-4o-mini")
	require.NoError(t, err)
	responder.endpoint = server.URL

	history := []models.TranscriptEntry{
		{Speaker: models.SpeakerAI, Message: "Hello, how can I help?", Final: true},
		{Speaker: models.SpeakerUser, Message: "I need my bal", Final: false}, // partial, skipped
		{Speaker: models.SpeakerUser, Message: "I need my balance", Final: true},
	}

	reply, err := responder.Reply(context.Background(), "You are a bank assistant.", history)
	require.NoError(t, err)
	assert.Equal(t, "Thanks, one moment please.", reply, "reply is trimmed")

	assert.Equal(t, "openai/gpt-4o-mini", gotReq.Model)
	require.Len(t, gotReq.Messages, 3, "partial line must be excluded")
	assert.Equal(t, chatMessage{Role: "system", Content: "You are a bank assistant."}, gotReq.Messages[0])
	assert.Equal(t, chatMessage{Role: "assistant", Content: "Hello, how can I help?"}, gotReq.Messages[1])
	assert.Equal(t, chatMessage{Role: "user", Content: "I need my balance"}, gotReq.Messages[2])
}

func TestOpenRouterResponderErrors(t *testing.T) {
	t.Run("nothing to reply to", func(t *testing.T) {
		responder, err := NewOpenRouterResponder("or-key", "m")
		require.NoError(t, err)
		_, err = responder.Reply(context.Background(), "", nil)
		assert.Error(t, err)
	})

	t.Run("http error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer server.Close()

		responder, err := NewOpenRouterResponder("or-key", "m")
		require.NoError(t, err)
		responder.endpoint = server.URL

		_, err = responder.Reply(context.Background(), "p", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("embedded error object", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "model offline"},
			})
		}))
		defer server.Close()

		responder, err := NewOpenRouterResponder("or-key", "m")
		require.NoError(t, err)
		responder.endpoint = server.URL

		_, err = responder.Reply(context.Background(), "p", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model offline")
	})

	t.Run("empty choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
		}))
		defer server.Close()

		responder, err := NewOpenRouterResponder("or-key", "m")
		require.NoError(t, err)
		responder.endpoint = server.URL

		_, err = responder.Reply(context.Background(), "p", nil)
		assert.Error(t, err)
	})
}

func TestNewOpenRouterResponderValidation(t *testing.T) {
	_, err := NewOpenRouterResponder("", "m")
	assert.Error(t, err)

	_, err = NewOpenRouterResponder("k", "")
	assert.Error(t, err)
}
