package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// mediaStreamHandler handles GET /media/:call_sid, the bidirectional frame
// socket carriers connect to once a call answers. The URL is minted by
// providers.MediaURL per call; carriers cannot present HMAC credentials, so
// possession of the per-call path is the access grant.
func (s *Server) mediaStreamHandler(c *echo.Context) error {
	callSID := c.Param("call_sid")

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Carrier media gateways do not send browser origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	// AttachMedia blocks for the life of the stream; the call task closes
	// the pump on ENDED and on stream swaps.
	if err := s.manager.AttachMedia(c.Request().Context(), callSID, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "no such call")
		return nil
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
