package api

import (
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// intQuery parses an optional integer query parameter, clamping to max
// when max is positive.
func intQuery(c *echo.Context, name string, def, max int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &services.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	if max > 0 && v > max {
		v = max
	}
	return v, nil
}

// int64Query parses an optional sequence cursor query parameter.
func int64Query(c *echo.Context, name string, def int64) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, &services.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return v, nil
}

// boolQuery parses an optional boolean query parameter.
func boolQuery(c *echo.Context, name string, def bool) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &services.ValidationError{Field: name, Message: "must be true or false"}
	}
	return v, nil
}

// messageChannel validates an sms|email value from a query or body field.
func messageChannel(field, raw string) (models.MessageChannel, error) {
	switch models.MessageChannel(raw) {
	case models.ChannelSMS:
		return models.ChannelSMS, nil
	case models.ChannelEmail:
		return models.ChannelEmail, nil
	default:
		return "", &services.ValidationError{Field: field, Message: "must be sms or email"}
	}
}
