package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/models"
)

func TestSSEHandlerValidation(t *testing.T) {
	s := &Server{}

	t.Run("missing token", func(t *testing.T) {
		c, rec := getContext("/webapp/sse")
		require.NoError(t, s.sseHandler(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		env := decodeErrorEnvelope(t, rec)
		assert.Equal(t, codeAuth, env.Err.Code)
	})

	t.Run("bad since cursor", func(t *testing.T) {
		c, rec := getContext("/webapp/sse?token=tok&since=abc")
		require.NoError(t, s.sseHandler(c))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// runStreamSSE drives the stream loop against a recorder and returns the
// body once the loop exits. send pushes frames while the loop runs.
func runStreamSSE(t *testing.T, replay []*models.Event, heartbeat time.Duration, drive func(ctx context.Context, cancel context.CancelFunc, live chan []byte)) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	live := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- streamSSE(ctx, rec, replay, live, heartbeat)
	}()

	drive(ctx, cancel, live)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream loop did not exit")
	}
	return rec
}

func marshalEvent(t *testing.T, ev *models.Event) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestStreamSSEReplayAndLive(t *testing.T) {
	replay := []*models.Event{
		{ID: 4, Type: "call.status", CallSID: "CA1"},
		{ID: 5, Type: "call.transcript", CallSID: "CA1"},
	}

	rec := runStreamSSE(t, replay, time.Hour, func(ctx context.Context, cancel context.CancelFunc, live chan []byte) {
		// A frame at the replay high-water mark is the overlap duplicate.
		live <- marshalEvent(t, &models.Event{ID: 5, Type: "call.transcript", CallSID: "CA1"})
		live <- marshalEvent(t, &models.Event{ID: 6, Type: "call.digit", CallSID: "CA1"})
		cancel()
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 4\n")
	assert.Contains(t, body, "id: 6\n")
	assert.Contains(t, body, "event: call.digit\n")
	// The duplicate sequence 5 appears once, from the replay.
	assert.Equal(t, 1, strings.Count(body, "id: 5\n"))
}

func TestStreamSSETransientFramesSkipID(t *testing.T) {
	rec := runStreamSSE(t, nil, time.Hour, func(ctx context.Context, cancel context.CancelFunc, live chan []byte) {
		live <- []byte(`{"sequence":0,"type":"call.audio.level","data":{"rms":0.4}}`)
		cancel()
	})

	body := rec.Body.String()
	assert.Contains(t, body, "event: call.audio.level\n")
	assert.NotContains(t, body, "id:")
}

func TestStreamSSEHeartbeat(t *testing.T) {
	rec := runStreamSSE(t, nil, 20*time.Millisecond, func(ctx context.Context, cancel context.CancelFunc, live chan []byte) {
		time.Sleep(70 * time.Millisecond)
		cancel()
	})

	body := rec.Body.String()
	assert.Contains(t, body, "event: heartbeat\n")
	assert.Contains(t, body, `"ts":`)
}

func TestStreamSSELiveChannelClosed(t *testing.T) {
	// A closed hub subscription ends the stream without an error; the
	// client reconnects with its last seen sequence.
	rec := runStreamSSE(t, nil, time.Hour, func(ctx context.Context, cancel context.CancelFunc, live chan []byte) {
		close(live)
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteSSEFrame(t *testing.T) {
	t.Run("persisted frame carries id", func(t *testing.T) {
		var sb strings.Builder
		require.NoError(t, writeSSEFrame(&sb, 42, "call.status", []byte(`{}`)))
		assert.Equal(t, "id: 42\nevent: call.status\ndata: {}\n\n", sb.String())
	})

	t.Run("transient frame omits id", func(t *testing.T) {
		var sb strings.Builder
		require.NoError(t, writeSSEFrame(&sb, 0, "call.audio.level", []byte(`{}`)))
		assert.Equal(t, "event: call.audio.level\ndata: {}\n\n", sb.String())
	})

	t.Run("empty type defaults to message", func(t *testing.T) {
		var sb strings.Builder
		require.NoError(t, writeSSEFrame(&sb, 0, "", []byte(`{}`)))
		assert.Equal(t, "event: message\ndata: {}\n\n", sb.String())
	})
}

func TestCreateWebAppSessionHandlerValidation(t *testing.T) {
	s := &Server{}

	c, rec := postJSON("/api/v1/webapp/sessions", `{"subject":`)
	require.NoError(t, s.createWebAppSessionHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
