package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

func TestSMSSenderSend(t *testing.T) {
	t.Run("posts payload and returns gateway id", func(t *testing.T) {
		t.Setenv("TEST_SMS_KEY", "sms-secret")
		var got smsSendRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "Bearer sms-secret", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "SM123"})
		}))
		defer srv.Close()

		s := NewSMSSender(config.SMSProviderConfig{
			BaseURL:   srv.URL + "/",
			APIKeyEnv: "TEST_SMS_KEY",
			SenderID:  "TRUNKLINE",
		}, srv.Client())
		require.NotNil(t, s)
		assert.Equal(t, models.ChannelSMS, s.Channel())

		id, err := s.Send(context.Background(), &models.Message{
			To:   "+15551234567",
			Body: "Your code is 4321",
		})
		require.NoError(t, err)
		assert.Equal(t, "SM123", id)
		assert.Equal(t, smsSendRequest{To: "+15551234567", From: "TRUNKLINE", Body: "Your code is 4321"}, got)
	})

	t.Run("message sender overrides default", func(t *testing.T) {
		var got smsSendRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "SM1"})
		}))
		defer srv.Close()

		s := NewSMSSender(config.SMSProviderConfig{BaseURL: srv.URL, SenderID: "DEFAULT"}, srv.Client())
		_, err := s.Send(context.Background(), &models.Message{To: "+15551234567", From: "+15550001111", Body: "x"})
		require.NoError(t, err)
		assert.Equal(t, "+15550001111", got.From)
	})

	t.Run("gateway error envelope becomes ProviderError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"invalid_number","message":"not reachable"}}`))
		}))
		defer srv.Close()

		s := NewSMSSender(config.SMSProviderConfig{BaseURL: srv.URL}, srv.Client())
		_, err := s.Send(context.Background(), &models.Message{To: "+15551234567", Body: "x"})

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusBadRequest, pe.Status)
		assert.Equal(t, "invalid_number", pe.ErrorCode())
		assert.False(t, pe.Transient())
		assert.Contains(t, err.Error(), "not reachable")
	})

	t.Run("plain body becomes detail snippet", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("upstream down"))
		}))
		defer srv.Close()

		s := NewSMSSender(config.SMSProviderConfig{BaseURL: srv.URL}, srv.Client())
		_, err := s.Send(context.Background(), &models.Message{To: "+15551234567", Body: "x"})

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "http_503", pe.ErrorCode())
		assert.True(t, pe.Transient())
		assert.Equal(t, "upstream down", pe.Detail)
	})

	t.Run("network errors are not ProviderError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		client := srv.Client()
		url := srv.URL
		srv.Close()

		s := NewSMSSender(config.SMSProviderConfig{BaseURL: url}, client)
		_, err := s.Send(context.Background(), &models.Message{To: "+15551234567", Body: "x"})
		require.Error(t, err)

		code, transient := classifySendError(err)
		assert.Equal(t, "network", code)
		assert.True(t, transient)
	})

	t.Run("nil without a base url", func(t *testing.T) {
		assert.Nil(t, NewSMSSender(config.SMSProviderConfig{}, nil))
	})
}

func TestEmailSenderSend(t *testing.T) {
	t.Run("defaults sender identity from config", func(t *testing.T) {
		t.Setenv("TEST_EMAIL_KEY", "email-secret")
		var got emailSendRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/send", r.URL.Path)
			assert.Equal(t, "Bearer email-secret", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "em-9"})
		}))
		defer srv.Close()

		s := NewEmailSender(config.EmailProviderConfig{
			BaseURL:     srv.URL,
			APIKeyEnv:   "TEST_EMAIL_KEY",
			FromAddress: "no-reply@trunkline.io",
			FromName:    "Trunkline",
		}, srv.Client())
		require.NotNil(t, s)
		assert.Equal(t, models.ChannelEmail, s.Channel())

		id, err := s.Send(context.Background(), &models.Message{
			To:      "ada@example.com",
			Subject: "Welcome, Ada",
			HTML:    "<p>Hi Ada</p>",
			Text:    "Hi Ada",
		})
		require.NoError(t, err)
		assert.Equal(t, "em-9", id)
		assert.Equal(t, emailSendRequest{
			To:       "ada@example.com",
			From:     "no-reply@trunkline.io",
			FromName: "Trunkline",
			Subject:  "Welcome, Ada",
			HTML:     "<p>Hi Ada</p>",
			Text:     "Hi Ada",
		}, got)
	})

	t.Run("message sender wins without display name", func(t *testing.T) {
		var got emailSendRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "em-1"})
		}))
		defer srv.Close()

		s := NewEmailSender(config.EmailProviderConfig{
			BaseURL:     srv.URL,
			FromAddress: "no-reply@trunkline.io",
			FromName:    "Trunkline",
		}, srv.Client())
		_, err := s.Send(context.Background(), &models.Message{
			To:      "ada@example.com",
			From:    "alerts@acme.com",
			Subject: "s",
			Text:    "t",
		})
		require.NoError(t, err)
		assert.Equal(t, "alerts@acme.com", got.From)
		assert.Empty(t, got.FromName)
	})

	t.Run("nil without a base url", func(t *testing.T) {
		assert.Nil(t, NewEmailSender(config.EmailProviderConfig{}, nil))
	})
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		transient bool
	}{
		{"rate limited", &ProviderError{Status: 429}, "http_429", true},
		{"server error with code", &ProviderError{Status: 500, Code: "server_err"}, "server_err", true},
		{"client rejection", &ProviderError{Status: 404}, "http_404", false},
		{"wrapped provider error", fmt.Errorf("send: %w", &ProviderError{Status: 503}), "http_503", true},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), "timeout", true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, "network", true},
		{"unknown", errors.New("weird"), "unknown", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, transient := classifySendError(tc.err)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.transient, transient)
		})
	}
}
