package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// createSubscriberHandler handles POST /api/v1/subscribers, registering a
// webhook URL or slack channel for lifecycle notifications.
func (s *Server) createSubscriberHandler(c *echo.Context) error {
	var req CreateSubscriberRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "malformed JSON body")
	}
	switch req.Channel {
	case "webhook", "slack":
	default:
		return badRequest(c, "channel", "must be webhook or slack")
	}
	if req.Target == "" {
		return badRequest(c, "target", "target is required")
	}
	minPriority := models.PriorityLow
	switch models.NotificationPriority(req.MinPriority) {
	case "":
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
		minPriority = models.NotificationPriority(req.MinPriority)
	default:
		return badRequest(c, "min_priority", "must be low, normal, high, or urgent")
	}

	sub, err := s.notifications.CreateSubscriber(c.Request().Context(), &models.Subscriber{
		Channel:     req.Channel,
		Target:      req.Target,
		MinPriority: minPriority,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, &SubscriberResponse{OK: true, Subscriber: sub})
}

// listSubscribersHandler handles GET /api/v1/subscribers.
func (s *Server) listSubscribersHandler(c *echo.Context) error {
	subs, err := s.notifications.ListSubscribers(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &SubscriberListResponse{OK: true, Subscribers: subs})
}

// deleteSubscriberHandler handles DELETE /api/v1/subscribers/:id.
func (s *Server) deleteSubscriberHandler(c *echo.Context) error {
	if err := s.notifications.DeleteSubscriber(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &AckResponse{OK: true})
}
