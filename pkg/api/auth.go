package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
)

// maxSignedBodyBytes caps control-plane request bodies. The body is read in
// full to hash it, so the cap also bounds memory per request.
const maxSignedBodyBytes = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

// hmacAuth enforces the control-plane Authorization scheme:
//
//	Authorization: hmac <ts>.<nonce>.<sig>
//	sig = hex(HMAC_SHA256(secret, ts|method|path|sha256hex(body)))
//
// ts is unix seconds and must be within the configured clock skew. The
// nonce is single-use inside the replay window; it is only consumed after
// the signature verifies, so unauthenticated probes cannot burn nonces.
func (s *Server) hmacAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if len(s.secret) == 0 {
				return respond(c, authError("api secret not configured"))
			}

			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "hmac ")
			if !ok {
				return respond(c, authError("missing hmac authorization"))
			}
			parts := strings.SplitN(token, ".", 3)
			if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
				return respond(c, authError("malformed hmac authorization"))
			}
			ts, nonce, sig := parts[0], parts[1], parts[2]

			issued, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				return respond(c, authError("malformed timestamp"))
			}
			skew := time.Since(time.Unix(issued, 0))
			if skew < 0 {
				skew = -skew
			}
			if skew > s.cfg.Security.HMACMaxSkew {
				return respond(c, authError("timestamp outside accepted skew"))
			}

			body, err := readBody(c, maxSignedBodyBytes)
			if err != nil {
				if errors.Is(err, errBodyTooLarge) {
					return respond(c, &apiError{
						Status:  http.StatusRequestEntityTooLarge,
						Code:    codeValidation,
						Message: "request body too large",
					})
				}
				return badRequest(c, "body", "unreadable request body")
			}

			expected := signRequest(s.secret, ts, c.Request().Method, c.Request().URL.Path, body)
			got, err := hex.DecodeString(sig)
			if err != nil || !hmac.Equal(got, expected) {
				return respond(c, authError("signature mismatch"))
			}

			if !s.nonces.Observe(nonce) {
				return respond(c, authError("nonce replayed"))
			}

			return next(c)
		}
	}
}

// signRequest computes the raw control-plane signature bytes.
func signRequest(secret []byte, ts, method, path string, body []byte) []byte {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%s|%s", ts, method, path, hex.EncodeToString(sum[:]))
	return mac.Sum(nil)
}

// readBody consumes the request body up to limit and rewinds it so the
// handler's Bind sees the same bytes that were signed.
func readBody(c *echo.Context, limit int64) ([]byte, error) {
	r := c.Request()
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
