package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSubscriberHandlerValidation(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "unknown channel",
			body:  `{"channel":"carrier-pigeon","target":"https://example.com/hook"}`,
			field: "channel",
		},
		{
			name:  "missing target",
			body:  `{"channel":"webhook"}`,
			field: "target",
		},
		{
			name:  "unknown priority",
			body:  `{"channel":"slack","target":"#ops","min_priority":"extreme"}`,
			field: "min_priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := postJSON("/api/v1/subscribers", tt.body)
			require.NoError(t, s.createSubscriberHandler(c))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeErrorEnvelope(t, rec)
			assert.Equal(t, codeValidation, env.Err.Code)
			assert.Equal(t, map[string]any{"field": tt.field}, env.Err.Details)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		c, rec := postJSON("/api/v1/subscribers", `{"channel"`)
		require.NoError(t, s.createSubscriberHandler(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
