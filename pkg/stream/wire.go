// Package stream implements the realtime media pump: the bidirectional
// bridge between a carrier's media WebSocket and the speech collaborators
// (live STT, TTS synthesis, scripted responder).
//
// One Pump is owned by each call task. Inbound µ-law frames are reordered
// through a sequence window and fed to STT; outbound TTS audio is paced onto
// the socket as media frames followed by a mark, with an audiotick progress
// event every tick and barge-in cancellation when the caller talks over
// playback.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Media stream wire protocol. All carriers that connect to the media
// WebSocket speak this JSON framing; adapters only differ on the HTTP
// webhook side. Frames are 8 kHz mono µ-law, base64 in the payload field.
const (
	wireEventConnected = "connected"
	wireEventStart     = "start"
	wireEventMedia     = "media"
	wireEventDTMF      = "dtmf"
	wireEventMark      = "mark"
	wireEventStop      = "stop"
	wireEventClear     = "clear"
)

// wireMessage is the envelope for every message in both directions. Only the
// fields matching Event are populated.
type wireMessage struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Start          *wireStart `json:"start,omitempty"`
	Media          *wireMedia `json:"media,omitempty"`
	DTMF           *wireDTMF  `json:"dtmf,omitempty"`
	Mark           *wireMark  `json:"mark,omitempty"`
	Stop           *wireStop  `json:"stop,omitempty"`
}

// wireStart announces the stream. CustomParameters carries the callSid set
// by the adapter's answer document so the pump can bind the socket to a call.
type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      *wireMediaFormat  `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type wireMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// wireMedia carries one audio frame. Chunk is the producer-assigned frame
// index (decimal string, carrier convention) used by the sequence window.
type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type wireDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireStop struct {
	CallSID string `json:"callSid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// parseWireMessage decodes one inbound WebSocket text message.
func parseWireMessage(data []byte) (*wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed media message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("media message missing event field")
	}
	return &msg, nil
}

// frameIndex extracts the producer-assigned index of a media message.
// Falls back to the envelope sequence number when the chunk counter is
// absent; ok=false means the frame carries no usable ordering hint.
func (m *wireMessage) frameIndex() (uint64, bool) {
	if m.Media != nil && m.Media.Chunk != "" {
		if n, err := strconv.ParseUint(m.Media.Chunk, 10, 64); err == nil {
			return n, true
		}
	}
	if m.SequenceNumber != "" {
		if n, err := strconv.ParseUint(m.SequenceNumber, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// audioFrame decodes the base64 µ-law payload of a media message.
func (m *wireMessage) audioFrame() ([]byte, error) {
	if m.Media == nil || m.Media.Payload == "" {
		return nil, fmt.Errorf("media message missing payload")
	}
	frame, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("malformed media payload: %w", err)
	}
	return frame, nil
}

// encodeMediaOut builds an outbound media message carrying one µ-law chunk.
func encodeMediaOut(streamSID string, frame []byte) ([]byte, error) {
	return json.Marshal(wireMessage{
		Event:     wireEventMedia,
		StreamSID: streamSID,
		Media:     &wireMedia{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// encodeMarkOut builds the mark message that trails an utterance; the
// carrier echoes it back once every queued frame before it has played out.
func encodeMarkOut(streamSID, name string) ([]byte, error) {
	return json.Marshal(wireMessage{
		Event:     wireEventMark,
		StreamSID: streamSID,
		Mark:      &wireMark{Name: name},
	})
}

// encodeClearOut builds the clear message that drops the carrier's queued
// outbound audio. Sent on barge-in.
func encodeClearOut(streamSID string) ([]byte, error) {
	return json.Marshal(wireMessage{
		Event:     wireEventClear,
		StreamSID: streamSID,
	})
}
