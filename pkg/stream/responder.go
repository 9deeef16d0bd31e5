package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// Responder scripts the next spoken line from the call prompt and the
// transcript so far. Implementations must return plain speakable text.
type Responder interface {
	Reply(ctx context.Context, prompt string, history []models.TranscriptEntry) (string, error)
}

const openRouterEndpoint = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouterResponder implements Responder over the OpenRouter chat
// completions API.
type OpenRouterResponder struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewOpenRouterResponder creates a responder for the given model.
func NewOpenRouterResponder(apiKey, model string) (*OpenRouterResponder, error) {
	if apiKey == "" {
		return nil, errors.New("openrouter: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("openrouter: model must not be empty")
	}
	return &OpenRouterResponder{
		apiKey:     apiKey,
		model:      model,
		endpoint:   openRouterEndpoint,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Reply sends the prompt as the system message and the transcript as
// alternating user/assistant turns, and returns the model's next line.
// Partial transcript entries are skipped; only finals shape the reply.
func (r *OpenRouterResponder) Reply(ctx context.Context, prompt string, history []models.TranscriptEntry) (string, error) {
	messages := make([]chatMessage, 0, len(history)+1)
	if prompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: prompt})
	}
	for _, entry := range history {
		if !entry.Final {
			continue
		}
		role := "user"
		if entry.Speaker == models.SpeakerAI {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: entry.Message})
	}
	if len(messages) == 0 {
		return "", errors.New("openrouter: nothing to reply to")
	}

	body, err := json.Marshal(chatRequest{
		Model:       r.model,
		Messages:    messages,
		MaxTokens:   200,
		Temperature: 0.6,
	})
	if err != nil {
		return "", fmt.Errorf("openrouter: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openrouter: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter: chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("openrouter: chat returned %d: %s", resp.StatusCode, excerpt)
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("openrouter: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openrouter: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openrouter: empty choices")
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("openrouter: empty reply")
	}
	return reply, nil
}
