package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListenResult(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Utterance
		ok   bool
	}{
		{
			name: "final result",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"my code is four two","confidence":0.97}]}}`,
			want: Utterance{Text: "my code is four two", Final: true, Confidence: 0.97},
			ok:   true,
		},
		{
			name: "interim result",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"my code","confidence":0.61}]}}`,
			want: Utterance{Text: "my code", Final: false, Confidence: 0.61},
			ok:   true,
		},
		{
			name: "empty transcript skipped",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
			ok:   false,
		},
		{
			name: "metadata skipped",
			raw:  `{"type":"Metadata","request_id":"abc"}`,
			ok:   false,
		},
		{
			name: "no alternatives skipped",
			raw:  `{"type":"Results","channel":{"alternatives":[]}}`,
			ok:   false,
		},
		{
			name: "malformed json skipped",
			raw:  `{{{`,
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseListenResult([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNewDeepgramTranscriberValidation(t *testing.T) {
	_, err := NewDeepgramTranscriber("", "nova-2-phonecall")
	assert.Error(t, err)

	_, err = NewDeepgramTranscriber("key", "")
	assert.Error(t, err)
}

// TestDeepgramTranscriberSession drives a full session against a fake
// listen endpoint: audio up as binary frames, results down as JSON.
func TestDeepgramTranscriberSession(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotQuery := make(chan map[string]string, 1)
	gotFrame := make(chan []byte, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		gotQuery <- q

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				gotFrame <- data
				result, _ := json.Marshal(map[string]interface{}{
					"type":     "Results",
					"is_final": true,
					"channel": map[string]interface{}{
						"alternatives": []map[string]interface{}{
							{"transcript": "hello", "confidence": 0.9},
						},
					},
				})
				if err := conn.Write(ctx, websocket.MessageText, result); err != nil {
					return
				}
			}
		}
	}))
	defer server.Close()

	transcriber, err := NewDeepgramTranscriber("dg-key", "nova-2-phonecall")
	require.NoError(t, err)
	transcriber.endpoint = "ws" + server.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := transcriber.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, "Token dg-key", <-gotAuth)
	query := <-gotQuery
	assert.Equal(t, "nova-2-phonecall", query["model"])
	assert.Equal(t, "mulaw", query["encoding"])
	assert.Equal(t, "8000", query["sample_rate"])
	assert.Equal(t, "1", query["channels"])
	assert.Equal(t, "true", query["interim_results"])

	frame := []byte{0xFF, 0xFF, 0xFF}
	require.NoError(t, sess.SendAudio(frame))
	assert.Equal(t, frame, <-gotFrame)

	select {
	case utt := <-sess.Results():
		assert.Equal(t, "hello", utt.Text)
		assert.True(t, utt.Final)
		assert.InDelta(t, 0.9, utt.Confidence, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for utterance")
	}

	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.SendAudio(frame), errStreamClosed)
}
