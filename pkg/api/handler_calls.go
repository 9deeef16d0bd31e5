package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/orchestrator"
)

// originateCallHandler handles POST /api/v1/calls. The dial happens on the
// call's own task; the response carries the call in state created and
// progress arrives on its event topic.
func (s *Server) originateCallHandler(c *echo.Context) error {
	// The idempotency key pins the exact body bytes, so hash before Bind
	// consumes them.
	body, err := readBody(c, maxSignedBodyBytes)
	if err != nil {
		return badRequest(c, "body", "unreadable request body")
	}

	var req OriginateCallRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	if req.To == "" {
		return badRequest(c, "to", "destination number is required")
	}

	key := c.Request().Header.Get("Idempotency-Key")
	sum := sha256.Sum256(body)
	sid, replayed, err := s.originateKeys.Do(key, hex.EncodeToString(sum[:]), func() (string, error) {
		call, err := s.manager.Originate(c.Request().Context(), orchestrator.OriginateParams{
			To:           req.To,
			From:         req.From,
			Prompt:       req.Prompt,
			FirstMessage: req.FirstMessage,
			Owner:        req.Owner,
			Plan:         req.Plan,
		})
		if err != nil {
			return "", err
		}
		return call.CallSID, nil
	})
	if err != nil {
		return respondError(c, err)
	}

	call, err := s.calls.GetCall(c.Request().Context(), sid)
	if err != nil {
		return respondError(c, err)
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	return c.JSON(status, &CallResponse{OK: true, Call: call, Replayed: replayed})
}

// getCallHandler handles GET /api/v1/calls/:call_sid.
func (s *Server) getCallHandler(c *echo.Context) error {
	call, err := s.calls.GetCall(c.Request().Context(), c.Param("call_sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &CallResponse{OK: true, Call: call})
}

var listableCallStatuses = map[models.CallStatus]bool{
	models.CallStatusCreated:      true,
	models.CallStatusDialing:      true,
	models.CallStatusRinging:      true,
	models.CallStatusAnswered:     true,
	models.CallStatusStreaming:    true,
	models.CallStatusDigitCapture: true,
	models.CallStatusClosing:      true,
	models.CallStatusEnded:        true,
	models.CallStatusFailed:       true,
}

// listCallsHandler handles GET /api/v1/calls?cursor,limit,status,q,direction,owner.
func (s *Server) listCallsHandler(c *echo.Context) error {
	limit, err := intQuery(c, "limit", 50, 200)
	if err != nil {
		return respondError(c, err)
	}
	filters := models.CallFilters{
		Owner:  c.QueryParam("owner"),
		Query:  c.QueryParam("q"),
		Cursor: c.QueryParam("cursor"),
		Limit:  limit,
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := models.CallStatus(raw)
		if !listableCallStatuses[st] {
			return badRequest(c, "status", "unknown call status")
		}
		filters.Status = st
	}
	switch dir := c.QueryParam("direction"); dir {
	case "", string(models.DirectionInbound), string(models.DirectionOutbound):
		filters.Direction = dir
	default:
		return badRequest(c, "direction", "must be in or out")
	}

	page, err := s.calls.ListCalls(c.Request().Context(), filters)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &CallListResponse{
		OK:         true,
		Calls:      page.Calls,
		NextCursor: page.NextCursor,
	})
}

// listCallEventsHandler handles GET /api/v1/calls/:call_sid/events?since=N.
// Replay comes from the persisted event log, the same source the SSE
// gateway uses, so sequence numbers line up across both.
func (s *Server) listCallEventsHandler(c *echo.Context) error {
	since, err := int64Query(c, "since", 0)
	if err != nil {
		return respondError(c, err)
	}
	limit, err := intQuery(c, "limit", 100, 500)
	if err != nil {
		return respondError(c, err)
	}

	sid := c.Param("call_sid")
	if _, err := s.calls.GetCall(c.Request().Context(), sid); err != nil {
		return respondError(c, err)
	}
	evs, err := s.events.ListSince(c.Request().Context(), events.CallTopic(sid), since, limit)
	if err != nil {
		return respondError(c, err)
	}

	latest := since
	if n := len(evs); n > 0 {
		latest = evs[n-1].ID
	}
	return c.JSON(http.StatusOK, &CallEventsResponse{OK: true, Events: evs, Latest: latest})
}

// listTranscriptsHandler handles GET /api/v1/calls/:call_sid/transcripts.
func (s *Server) listTranscriptsHandler(c *echo.Context) error {
	since, err := intQuery(c, "since", 0, 0)
	if err != nil {
		return respondError(c, err)
	}
	limit, err := intQuery(c, "limit", 200, 1000)
	if err != nil {
		return respondError(c, err)
	}
	finalOnly, err := boolQuery(c, "final", false)
	if err != nil {
		return respondError(c, err)
	}

	entries, err := s.transcripts.List(c.Request().Context(), c.Param("call_sid"), since, limit, finalOnly)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &TranscriptListResponse{OK: true, Transcripts: entries})
}

// listDigitEventsHandler handles GET /api/v1/calls/:call_sid/digits.
func (s *Server) listDigitEventsHandler(c *echo.Context) error {
	digits, err := s.digits.ListDigitEvents(c.Request().Context(), c.Param("call_sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &DigitEventListResponse{OK: true, Digits: digits})
}

// listCallNotificationsHandler handles GET /api/v1/calls/:call_sid/notifications.
func (s *Server) listCallNotificationsHandler(c *echo.Context) error {
	ns, err := s.notifications.ListByCall(c.Request().Context(), c.Param("call_sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &NotificationListResponse{OK: true, Notifications: ns})
}

// listCallWebhooksHandler handles GET /api/v1/calls/:call_sid/webhooks.
func (s *Server) listCallWebhooksHandler(c *echo.Context) error {
	ds, err := s.webhookLog.ListByCall(c.Request().Context(), c.Param("call_sid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &WebhookLogResponse{OK: true, Deliveries: ds})
}

// updateScriptHandler handles POST /api/v1/calls/:call_sid/script.
func (s *Server) updateScriptHandler(c *echo.Context) error {
	var req UpdateScriptRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt", "prompt is required")
	}
	if err := s.manager.UpdateScript(c.Request().Context(), c.Param("call_sid"), req.Prompt); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// endCallHandler handles POST /api/v1/calls/:call_sid/end.
func (s *Server) endCallHandler(c *echo.Context) error {
	var req EndCallRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	if err := s.manager.EndCall(c.Request().Context(), c.Param("call_sid"), req.Reason); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// startPlanHandler handles POST /api/v1/calls/:call_sid/plan, installing a
// digit collection plan on a live call.
func (s *Server) startPlanHandler(c *echo.Context) error {
	var req StartPlanRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	if req.Plan == nil || len(req.Plan.Steps) == 0 {
		return badRequest(c, "plan", "a plan with at least one step is required")
	}
	if err := s.manager.StartPlan(c.Request().Context(), c.Param("call_sid"), req.Plan); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// retryStreamHandler handles POST /api/v1/calls/:call_sid/stream/retry.
func (s *Server) retryStreamHandler(c *echo.Context) error {
	if err := s.manager.RetryStream(c.Request().Context(), c.Param("call_sid")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// fallbackStreamHandler handles POST /api/v1/calls/:call_sid/stream/fallback.
func (s *Server) fallbackStreamHandler(c *echo.Context) error {
	if err := s.manager.FallbackStream(c.Request().Context(), c.Param("call_sid")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// answerInboundHandler handles POST /api/v1/inbound/:call_sid/answer.
func (s *Server) answerInboundHandler(c *echo.Context) error {
	var req AnswerInboundRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	if err := s.manager.AnswerInbound(c.Request().Context(), c.Param("call_sid"), req.Prompt, req.FirstMessage); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// declineInboundHandler handles POST /api/v1/inbound/:call_sid/decline.
func (s *Server) declineInboundHandler(c *echo.Context) error {
	if err := s.manager.DeclineInbound(c.Request().Context(), c.Param("call_sid")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}
