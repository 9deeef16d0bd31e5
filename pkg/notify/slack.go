package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/trunkline-io/trunkline/pkg/models"
)

const maxBlockTextLength = 2900

// SlackChannel posts notifications as Block Kit messages. The subscriber
// target is a Slack channel id; empty falls back to the configured default.
type SlackChannel struct {
	api            *goslack.Client
	defaultChannel string
	webAppURL      string
}

// NewSlackChannel creates the Slack delivery channel. Returns nil when the
// token is empty so a disabled integration wires through as no channel.
func NewSlackChannel(token, defaultChannel, webAppURL string) *SlackChannel {
	if token == "" {
		return nil
	}
	return &SlackChannel{
		api:            goslack.New(token),
		defaultChannel: defaultChannel,
		webAppURL:      webAppURL,
	}
}

// NewSlackChannelWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackChannelWithAPIURL(token, defaultChannel, webAppURL, apiURL string) *SlackChannel {
	return &SlackChannel{
		api:            goslack.New(token, goslack.OptionAPIURL(apiURL)),
		defaultChannel: defaultChannel,
		webAppURL:      webAppURL,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Deliver(ctx context.Context, sub *models.Subscriber, n *models.Notification) (string, error) {
	channel := sub.Target
	if channel == "" {
		channel = c.defaultChannel
	}
	if channel == "" {
		return "", Permanent(errors.New("no slack channel configured"))
	}

	blocks := buildBlocks(n, c.webAppURL)
	_, ts, err := c.api.PostMessageContext(ctx, channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", classifySlackError(err)
	}
	return ts, nil
}

// permanentSlackErrors are chat.postMessage failures retrying cannot fix.
var permanentSlackErrors = map[string]bool{
	"channel_not_found": true,
	"is_archived":       true,
	"not_in_channel":    true,
	"invalid_auth":      true,
	"account_inactive":  true,
	"token_revoked":     true,
	"msg_too_long":      true,
	"invalid_blocks":    true,
}

func classifySlackError(err error) error {
	var rle *goslack.RateLimitedError
	if errors.As(err, &rle) {
		return fmt.Errorf("slack rate limited, retry after %s: %w", rle.RetryAfter, err)
	}
	wrapped := fmt.Errorf("chat.postMessage failed: %w", err)
	if permanentSlackErrors[err.Error()] {
		return Permanent(wrapped)
	}
	return wrapped
}

var kindEmoji = map[string]string{
	models.NotificationCallStarted:    ":telephone_receiver:",
	models.NotificationCallCompleted:  ":white_check_mark:",
	models.NotificationCallFailed:     ":x:",
	models.NotificationCallTranscript: ":speech_balloon:",
	models.NotificationSLOViolation:   ":warning:",
}

var kindLabel = map[string]string{
	models.NotificationCallStarted:    "Call Started",
	models.NotificationCallCompleted:  "Call Completed",
	models.NotificationCallFailed:     "Call Failed",
	models.NotificationCallTranscript: "Transcript Ready",
	models.NotificationSLOViolation:   "SLO Violation",
}

// notificationBody is the subset of lifecycle payload fields the Slack
// renderer surfaces. Unknown payloads render with the call id alone.
type notificationBody struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	AnsweredBy  string `json:"answered_by"`
	ErrorCode   string `json:"error_code"`
	Reason      string `json:"reason"`
	Summary     string `json:"summary"`
	DigitCount  int    `json:"digit_count"`
	Metric      string `json:"metric"`
	Count       int    `json:"count"`
	ThresholdMS int64  `json:"threshold_ms"`
	ObservedMS  int64  `json:"observed_ms"`
}

// buildBlocks creates Block Kit blocks for one notification: a header, a
// detail section, and a link button when a web app URL is configured.
func buildBlocks(n *models.Notification, webAppURL string) []goslack.Block {
	emoji := kindEmoji[n.Kind]
	if emoji == "" {
		emoji = ":bell:"
	}
	label := kindLabel[n.Kind]
	if label == "" {
		label = n.Kind
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("%s *%s*", emoji, label), false, false),
			nil, nil,
		),
	}

	if detail := renderDetail(n); detail != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(detail), false, false),
			nil, nil,
		))
	}

	if webAppURL != "" {
		btn := goslack.NewButtonBlockElement("", "", goslack.NewTextBlockObject(goslack.PlainTextType, "View Call", false, false))
		btn.URL = fmt.Sprintf("%s/calls/%s", webAppURL, n.CallSID)
		blocks = append(blocks, goslack.NewActionBlock("", btn))
	}
	return blocks
}

func renderDetail(n *models.Notification) string {
	var body notificationBody
	if len(n.Payload) > 0 {
		if err := json.Unmarshal(n.Payload, &body); err != nil {
			return fmt.Sprintf("Call `%s`", n.CallSID)
		}
	}

	lines := []string{fmt.Sprintf("Call `%s`", n.CallSID)}
	if body.PhoneNumber != "" {
		lines = append(lines, "Number: "+body.PhoneNumber)
	}

	switch n.Kind {
	case models.NotificationSLOViolation:
		if body.Metric != "" {
			line := "Metric: `" + body.Metric + "`"
			switch {
			case body.ObservedMS > 0:
				line += fmt.Sprintf(" (observed %dms, threshold %dms)", body.ObservedMS, body.ThresholdMS)
			case body.Count > 0:
				line += fmt.Sprintf(" (%d consecutive)", body.Count)
			}
			lines = append(lines, line)
		}
	default:
		if body.AnsweredBy != "" {
			lines = append(lines, "Answered by: "+body.AnsweredBy)
		}
		if body.Summary != "" {
			lines = append(lines, body.Summary)
		}
		if body.ErrorCode != "" {
			lines = append(lines, "*Error:* `"+body.ErrorCode+"`")
		}
		if body.Reason != "" && body.Reason != body.ErrorCode {
			lines = append(lines, "Reason: "+body.Reason)
		}
	}
	return strings.Join(lines, "\n")
}

func truncateForSlack(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}
