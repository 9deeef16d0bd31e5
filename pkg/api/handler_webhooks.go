package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/config"
)

// carrierWebhookHandler handles POST /webhooks/:provider/calls/:call_sid/:kind,
// the route minted by providers.WebhookURL. Signature enforcement follows the
// provider's configured mode; acceptance is never gated on adapter health, so
// a degraded provider can still report on its in-flight calls.
func (s *Server) carrierWebhookHandler(c *echo.Context) error {
	providerName := c.Param("provider")
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return respondError(c, err)
	}

	body, err := readBody(c, maxSignedBodyBytes)
	if err != nil {
		return badRequest(c, "body", "unreadable request body")
	}

	switch s.registry.Validation(providerName) {
	case config.ValidationOff:
	case config.ValidationWarn:
		if err := adapter.VerifySignature(c.Request(), body); err != nil {
			s.logger.Warn("carrier webhook signature failed",
				"provider", providerName, "call_sid", c.Param("call_sid"), "error", err)
		}
	default:
		if err := adapter.VerifySignature(c.Request(), body); err != nil {
			return respond(c, authError("carrier signature invalid"))
		}
	}

	ev, err := adapter.ParseWebhook(c.Request(), body)
	if err != nil {
		return badRequest(c, "body", "unparseable carrier webhook")
	}
	// Adapters derive the call SID from the URL; cover any that do not.
	if ev.CallSID == "" {
		ev.CallSID = c.Param("call_sid")
	}

	doc, err := s.manager.HandleCarrierEvent(c.Request().Context(), ev)
	if err != nil {
		return respondError(c, err)
	}
	if doc == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Blob(http.StatusOK, doc.ContentType, doc.Body)
}
