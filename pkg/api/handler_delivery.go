package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/delivery"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// sendSMSHandler handles POST /api/v1/sms.
func (s *Server) sendSMSHandler(c *echo.Context) error {
	var req delivery.SMSRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")

	res, err := s.engine.EnqueueSMS(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(enqueueStatus(res.Deduped), &EnqueueResponse{OK: true, EnqueueResult: res})
}

// sendEmailHandler handles POST /api/v1/emails.
func (s *Server) sendEmailHandler(c *echo.Context) error {
	var req delivery.EmailRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")

	res, err := s.engine.EnqueueEmail(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(enqueueStatus(res.Deduped), &EnqueueResponse{OK: true, EnqueueResult: res})
}

// bulkSMSHandler handles POST /api/v1/sms/bulk.
func (s *Server) bulkSMSHandler(c *echo.Context) error {
	return s.enqueueBulk(c, models.ChannelSMS)
}

// bulkEmailHandler handles POST /api/v1/emails/bulk.
func (s *Server) bulkEmailHandler(c *echo.Context) error {
	return s.enqueueBulk(c, models.ChannelEmail)
}

func (s *Server) enqueueBulk(c *echo.Context, channel models.MessageChannel) error {
	var req delivery.BulkRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	req.Channel = channel
	req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")

	res, err := s.engine.EnqueueBulk(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(enqueueStatus(res.Deduped), &BulkEnqueueResponse{OK: true, BulkResult: res})
}

// enqueueStatus maps idempotent replays to 200 and fresh rows to 201.
func enqueueStatus(deduped bool) int {
	if deduped {
		return http.StatusOK
	}
	return http.StatusCreated
}

// getMessageHandler handles GET /api/v1/messages/:id.
func (s *Server) getMessageHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	msg, err := s.messages.GetMessage(ctx, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	evs, err := s.messages.ListMessageEvents(ctx, msg.MessageID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &MessageResponse{OK: true, Message: msg, Events: evs})
}

var listableMessageStatuses = map[models.MessageStatus]bool{
	models.MessageQueued:     true,
	models.MessageSending:    true,
	models.MessageSent:       true,
	models.MessageRetry:      true,
	models.MessageFailed:     true,
	models.MessageDelivered:  true,
	models.MessageBounced:    true,
	models.MessageComplained: true,
	models.MessageSuppressed: true,
}

// listMessagesHandler handles GET /api/v1/messages with the filter set of
// models.MessageFilters.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	limit, err := intQuery(c, "limit", 50, 500)
	if err != nil {
		return respondError(c, err)
	}
	filters := models.MessageFilters{
		Recipient: c.QueryParam("recipient"),
		TenantID:  c.QueryParam("tenant_id"),
		BulkJobID: c.QueryParam("bulk_job_id"),
		Limit:     limit,
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := models.MessageStatus(raw)
		if !listableMessageStatuses[st] {
			return badRequest(c, "status", "unknown message status")
		}
		filters.Status = st
	}
	if raw := c.QueryParam("channel"); raw != "" {
		ch, err := messageChannel("channel", raw)
		if err != nil {
			return respondError(c, err)
		}
		filters.Channel = ch
	}

	msgs, err := s.messages.ListMessages(c.Request().Context(), filters)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &MessageListResponse{OK: true, Messages: msgs})
}

// getBulkJobHandler handles GET /api/v1/bulk-jobs/:id.
func (s *Server) getBulkJobHandler(c *echo.Context) error {
	job, err := s.bulkJobs.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &BulkJobResponse{OK: true, Job: job})
}

// listBulkJobsHandler handles GET /api/v1/bulk-jobs.
func (s *Server) listBulkJobsHandler(c *echo.Context) error {
	limit, err := intQuery(c, "limit", 50, 200)
	if err != nil {
		return respondError(c, err)
	}
	jobs, err := s.bulkJobs.ListJobs(c.Request().Context(), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &BulkJobListResponse{OK: true, Jobs: jobs})
}

// listSuppressionsHandler handles GET /api/v1/suppressions?channel=sms|email.
func (s *Server) listSuppressionsHandler(c *echo.Context) error {
	ch, err := messageChannel("channel", c.QueryParam("channel"))
	if err != nil {
		return respondError(c, err)
	}
	limit, err := intQuery(c, "limit", 100, 1000)
	if err != nil {
		return respondError(c, err)
	}
	rows, err := s.suppressions.List(c.Request().Context(), ch, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &SuppressionListResponse{OK: true, Suppressions: rows})
}

// addSuppressionHandler handles POST /api/v1/suppressions.
func (s *Server) addSuppressionHandler(c *echo.Context) error {
	var req AddSuppressionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	if req.Address == "" {
		return badRequest(c, "address", "address is required")
	}
	ch, err := messageChannel("channel", req.Channel)
	if err != nil {
		return respondError(c, err)
	}
	reason := models.SuppressionManual
	switch models.SuppressionReason(req.Reason) {
	case "":
	case models.SuppressionManual, models.SuppressionBounce, models.SuppressionComplaint:
		reason = models.SuppressionReason(req.Reason)
	default:
		return badRequest(c, "reason", "must be manual, bounce, or complaint")
	}

	row, err := s.suppressions.Set(c.Request().Context(), req.Address, ch, reason, "api")
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, &SuppressionResponse{OK: true, Suppression: row})
}

// removeSuppressionHandler handles DELETE /api/v1/suppressions?address=&channel=.
func (s *Server) removeSuppressionHandler(c *echo.Context) error {
	address := c.QueryParam("address")
	if address == "" {
		return badRequest(c, "address", "address is required")
	}
	ch, err := messageChannel("channel", c.QueryParam("channel"))
	if err != nil {
		return respondError(c, err)
	}
	if err := s.suppressions.Clear(c.Request().Context(), address, ch); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}

// listDeadLettersHandler handles GET /api/v1/dead-letters.
func (s *Server) listDeadLettersHandler(c *echo.Context) error {
	limit, err := intQuery(c, "limit", 100, 1000)
	if err != nil {
		return respondError(c, err)
	}
	rows, err := s.messages.ListDeadLetters(c.Request().Context(), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &DeadLetterListResponse{OK: true, DeadLetters: rows})
}

// deliveryWebhookHandler handles POST /webhooks/delivery/:provider, the
// vendor callback for message status (delivered, bounces, complaints).
// Events for message ids this system never sent are acknowledged and
// dropped; vendors retry hard on non-2xx and the ids may belong to another
// environment sharing the account.
func (s *Server) deliveryWebhookHandler(c *echo.Context) error {
	var req DeliveryWebhookRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}

	ev, err := delivery.NormalizeProviderEvent(req.id(), req.Event)
	if err != nil {
		return respondError(c, err)
	}
	msg, err := s.reconciler.Apply(c.Request().Context(), ev)
	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusOK, &DeliveryEventResponse{OK: true, Ignored: true})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &DeliveryEventResponse{OK: true, MessageID: msg.MessageID, Status: msg.Status})
}
