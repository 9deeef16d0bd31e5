package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
)

func TestSinksCountByKindAndOutcome(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.FanoutSink().Increment(ctx, "call_completed", "sent"))
	require.NoError(t, m.FanoutSink().Increment(ctx, "call_completed", "sent"))
	require.NoError(t, m.FanoutSink().Increment(ctx, "call_failed", "failed"))
	require.NoError(t, m.DeliverySink().Increment(ctx, "email", "sent"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fanout.WithLabelValues("call_completed", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanout.WithLabelValues("call_failed", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.delivery.WithLabelValues("email", "sent")))
}

type recordingSink struct {
	calls []string
	err   error
}

func (r *recordingSink) Increment(_ context.Context, kind, outcome string) error {
	r.calls = append(r.calls, kind+"/"+outcome)
	return r.err
}

func TestTeeInvokesEverySinkAndReturnsFirstError(t *testing.T) {
	boom := errors.New("rollup down")
	a := &recordingSink{err: boom}
	b := &recordingSink{}

	err := Tee(a, b).Increment(context.Background(), "sms", "retry")

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"sms/retry"}, a.calls)
	assert.Equal(t, []string{"sms/retry"}, b.calls)
}

func TestWatchBusCountsEventsAndTerminalCalls(t *testing.T) {
	m := New()
	hub := events.NewHub()

	stop, err := m.WatchBus(hub)
	require.NoError(t, err)
	defer stop()

	broadcast := func(evtType, status string) {
		payload, err := json.Marshal(map[string]string{"status": status})
		require.NoError(t, err)
		raw, err := json.Marshal(models.Event{
			ID:        1,
			Type:      evtType,
			CallSID:   "CA123",
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		hub.Broadcast(events.ChannelAll, raw)
	}

	broadcast(events.EventTypeCallStatus, "ringing")
	broadcast(events.EventTypeCallStatus, "ended")
	broadcast(events.EventTypeCallTranscript, "")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.busEvents.WithLabelValues(events.EventTypeCallStatus)) == 2.0
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.busEvents.WithLabelValues(events.EventTypeCallTranscript)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsEnded.WithLabelValues("ended")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.callsEnded.WithLabelValues("ringing")))
}

func TestHandlerServesRegisteredCounters(t *testing.T) {
	m := New()
	require.NoError(t, m.FanoutSink().Increment(context.Background(), "call_completed", "sent"))
	m.Gauge("trunkline_active_calls", "Live call tasks.", func() float64 { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `trunkline_notifications_total{kind="call_completed",outcome="sent"} 1`))
	assert.True(t, strings.Contains(body, "trunkline_active_calls 3"))
}
