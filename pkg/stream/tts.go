package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Synthesizer turns outbound text into µ-law audio ready for the pump.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

const deepgramSpeakEndpoint = "https://api.deepgram.com/v1/speak"

// DeepgramSynthesizer implements Synthesizer against the Deepgram speak API,
// requesting container-less 8 kHz µ-law so the bytes go onto the media
// socket without transcoding.
type DeepgramSynthesizer struct {
	apiKey     string
	voice      string
	endpoint   string
	httpClient *http.Client
}

// NewDeepgramSynthesizer creates a synthesizer for the given voice.
func NewDeepgramSynthesizer(apiKey, voice string) (*DeepgramSynthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	if voice == "" {
		return nil, errors.New("deepgram: voice must not be empty")
	}
	return &DeepgramSynthesizer{
		apiKey:     apiKey,
		voice:      voice,
		endpoint:   deepgramSpeakEndpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Synthesize renders text to µ-law bytes. The caller chunks the result into
// frames; this client only guarantees the encoding.
func (d *DeepgramSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("deepgram: text must not be empty")
	}

	u, err := url.Parse(d.endpoint)
	if err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", d.voice)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("deepgram: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: speak: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram: speak returned %d: %s", resp.StatusCode, excerpt)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("deepgram: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("deepgram: speak returned empty audio")
	}
	return audio, nil
}
