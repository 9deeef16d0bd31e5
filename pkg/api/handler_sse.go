package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// sseHeartbeatInterval paces the heartbeat event. The webapp treats three
// missed beats (45 s of silence) as a dead connection and reconnects with
// its last seen sequence.
const sseHeartbeatInterval = 15 * time.Second

// sseReplayPage sizes the replay queries; retention cleanup bounds how far
// back a since=0 replay can reach.
const sseReplayPage = 500

// sseHandler handles GET /webapp/sse?token=&since=N. Access tokens come
// from POST /api/v1/webapp/sessions; the query-param transport exists
// because EventSource cannot set headers.
func (s *Server) sseHandler(c *echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return respond(c, authError("missing token"))
	}
	since, err := int64Query(c, "since", 0)
	if err != nil {
		return respondError(c, err)
	}

	ctx := c.Request().Context()
	if _, err := s.sessions.Validate(ctx, token); err != nil {
		return respond(c, authError("invalid or expired token"))
	}

	// Subscribe before the replay query so nothing published in between is
	// missed; the stream loop drops the resulting duplicates by sequence.
	sub, err := s.hub.Subscribe()
	if err != nil {
		return respondError(c, err)
	}
	defer sub.Close()

	replay, err := s.replayEvents(ctx, since)
	if err != nil {
		return respondError(c, err)
	}

	return streamSSE(ctx, c.Response(), replay, sub.C(), sseHeartbeatInterval)
}

func (s *Server) replayEvents(ctx context.Context, since int64) ([]*models.Event, error) {
	var all []*models.Event
	for {
		page, err := s.events.ListSince(ctx, events.ChannelAll, since, sseReplayPage)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < sseReplayPage {
			return all, nil
		}
		since = page[len(page)-1].ID
	}
}

// streamSSE writes an event-stream response: replay first, then live
// frames, with heartbeats in the gaps. Live frames carry their own
// sequence; anything at or below the replay high-water mark is a duplicate
// from the subscribe-then-query window and gets dropped. Write errors mean
// the client went away, never a server fault, so the return is nil.
func streamSSE(ctx context.Context, w http.ResponseWriter, replay []*models.Event, live <-chan []byte, heartbeatEvery time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var lastID int64
	for _, ev := range replay {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := writeSSEFrame(w, ev.ID, ev.Type, data); err != nil {
			return nil
		}
		lastID = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-live:
			if !ok {
				// Hub shut down or dropped a slow consumer; the client
				// reconnects with since=lastID and replays the gap.
				return nil
			}
			var head struct {
				Sequence int64  `json:"sequence"`
				Type     string `json:"type"`
			}
			if err := json.Unmarshal(frame, &head); err != nil {
				continue
			}
			// Transient frames (audio ticks) have no sequence and always
			// pass; persisted frames must advance the high-water mark.
			if head.Sequence > 0 && head.Sequence <= lastID {
				continue
			}
			if err := writeSSEFrame(w, head.Sequence, head.Type, frame); err != nil {
				return nil
			}
			if head.Sequence > 0 {
				lastID = head.Sequence
			}
			flusher.Flush()

		case <-ticker.C:
			hb := fmt.Sprintf("event: %s\ndata: {\"ts\":%q}\n\n",
				events.EventTypeHeartbeat, time.Now().UTC().Format(time.RFC3339))
			if _, err := io.WriteString(w, hb); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// writeSSEFrame emits one event-stream record. Sequence zero (transient
// frames) omits the id line so EventSource's Last-Event-ID never regresses.
func writeSSEFrame(w io.Writer, id int64, eventType string, data []byte) error {
	if eventType == "" {
		eventType = "message"
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}

// createWebAppSessionHandler handles POST /api/v1/webapp/sessions, minting
// a short-lived SSE access token for the mini-app.
func (s *Server) createWebAppSessionHandler(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	subject := req.Subject
	if subject == "" {
		subject = "webapp"
	}

	sess, err := s.sessions.Create(c.Request().Context(), subject)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, &SessionResponse{
		OK:        true,
		Token:     sess.Token,
		Subject:   sess.Subject,
		ExpiresAt: sess.ExpiresAt,
	})
}
