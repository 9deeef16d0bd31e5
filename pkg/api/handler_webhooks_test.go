package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/providers"
)

// newWebhookTestServer wires a real provider registry with three twilio
// adapters, one per validation mode. No credentials are set, so every
// signature check fails; that is the point.
func newWebhookTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment:   config.EnvDevelopment,
		PublicBaseURL: "https://voice.example.test",
		Telephony:     config.DefaultTelephonyConfig(),
		Security:      config.DefaultSecurityConfig(),
		Providers: config.NewProviderRegistry(map[string]*config.ProviderConfig{
			"twilio":  {Kind: config.ProviderKindTwilio},
			"relaxed": {Kind: config.ProviderKindTwilio, WebhookValidation: config.ValidationOff},
			"lenient": {Kind: config.ProviderKindTwilio, WebhookValidation: config.ValidationWarn},
		}),
	}
	reg, err := providers.NewRegistry(cfg, nil)
	require.NoError(t, err)

	return NewServer(Options{
		Config:   cfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: reg,
	})
}

func postWebhook(s *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestCarrierWebhookHandler(t *testing.T) {
	s := newWebhookTestServer(t)

	t.Run("unknown provider", func(t *testing.T) {
		rec := postWebhook(s, "/webhooks/acme/calls/CA123/status", "CallStatus=ringing")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		env := decodeErrorEnvelope(t, rec)
		assert.Equal(t, codeNotFound, env.Err.Code)
	})

	t.Run("strict mode rejects unsigned webhooks", func(t *testing.T) {
		rec := postWebhook(s, "/webhooks/twilio/calls/CA123/status", "CallStatus=ringing")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		env := decodeErrorEnvelope(t, rec)
		assert.Equal(t, codeAuth, env.Err.Code)
		assert.Equal(t, "carrier signature invalid", env.Err.Message)
	})

	t.Run("validation off skips the signature check", func(t *testing.T) {
		// The bad escape fails form parsing, proving the request got past
		// the signature gate and into ParseWebhook.
		rec := postWebhook(s, "/webhooks/relaxed/calls/CA123/status", "CallSid=%zz")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		env := decodeErrorEnvelope(t, rec)
		assert.Equal(t, codeValidation, env.Err.Code)
		assert.Equal(t, "unparseable carrier webhook", env.Err.Message)
	})

	t.Run("warn mode logs and continues", func(t *testing.T) {
		rec := postWebhook(s, "/webhooks/lenient/calls/CA123/status", "CallSid=%zz")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
