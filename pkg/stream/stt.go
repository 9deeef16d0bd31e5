package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"
)

// Utterance is one recognized span of caller speech. Partial utterances
// (Final=false) are superseded by the final utterance for the same span.
type Utterance struct {
	Text       string
	Final      bool
	Confidence float64
}

// Transcriber opens live transcription sessions, one per call.
type Transcriber interface {
	Open(ctx context.Context) (TranscriptStream, error)
}

// TranscriptStream is a live STT session. SendAudio accepts raw µ-law
// frames; results arrive on the Results channel until the session closes.
type TranscriptStream interface {
	SendAudio(frame []byte) error
	Results() <-chan Utterance
	Close() error
}

const deepgramListenEndpoint = "wss://api.deepgram.com/v1/listen"

// DeepgramTranscriber implements Transcriber against the Deepgram streaming
// API. Frames go up as binary messages on one WebSocket per call; results
// come back as JSON.
type DeepgramTranscriber struct {
	apiKey   string
	model    string
	endpoint string
}

// NewDeepgramTranscriber creates a transcriber for the given model.
// The API key must be non-empty.
func NewDeepgramTranscriber(apiKey, model string) (*DeepgramTranscriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("deepgram: model must not be empty")
	}
	return &DeepgramTranscriber{
		apiKey:   apiKey,
		model:    model,
		endpoint: deepgramListenEndpoint,
	}, nil
}

// Open dials a streaming session configured for 8 kHz mono µ-law telephone
// audio with interim results enabled.
func (t *DeepgramTranscriber) Open(ctx context.Context) (TranscriptStream, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", t.model)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(8000))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", "300")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &deepgramStream{
		conn:    conn,
		results: make(chan Utterance, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// deepgramStream is one live session. A write loop pushes queued audio as
// binary messages; a read loop turns result messages into Utterances.
type deepgramStream struct {
	conn    *websocket.Conn
	results chan Utterance
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var errStreamClosed = errors.New("transcript stream is closed")

// SendAudio queues one µ-law frame for delivery. Never blocks past session
// close.
func (s *deepgramStream) SendAudio(frame []byte) error {
	select {
	case <-s.done:
		return errStreamClosed
	default:
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.done:
		return errStreamClosed
	}
}

// Results returns the channel of utterances. Closed when the session ends.
func (s *deepgramStream) Results() <-chan Utterance { return s.results }

// Close flushes pending audio and tears the session down. Safe to call more
// than once.
func (s *deepgramStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Flush: the service returns remaining finals before closing.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *deepgramStream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		case <-s.done:
			// Drain whatever was queued before the close.
			for {
				select {
				case frame := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, frame)
				default:
					return
				}
			}
		}
	}
}

func (s *deepgramStream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		utt, ok := parseListenResult(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- utt:
		case <-s.done:
		}
	}
}

// listenResult is the shape of a Deepgram Results message; everything else
// (metadata, speech-started) is skipped.
type listenResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseListenResult extracts an Utterance from a raw result message.
// ok=false means the message carries no transcript.
func parseListenResult(data []byte) (Utterance, bool) {
	var res listenResult
	if err := json.Unmarshal(data, &res); err != nil {
		return Utterance{}, false
	}
	if res.Type != "Results" || len(res.Channel.Alternatives) == 0 {
		return Utterance{}, false
	}
	alt := res.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return Utterance{}, false
	}
	return Utterance{
		Text:       alt.Transcript,
		Final:      res.IsFinal,
		Confidence: alt.Confidence,
	}, true
}
