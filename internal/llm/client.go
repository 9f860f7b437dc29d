// Package llm calls an OpenAI-compatible chat completions endpoint to score
// conversation urgency. Any provider speaking that wire format works
// (OpenRouter, Venice, vLLM, Ollama).
package llm

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
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("llm: no api key configured")

// ErrMalformedOutput marks model output that could not be decoded into
// analysis results. Callers decide whether to fail or fall back.
var ErrMalformedOutput = errors.New("llm: malformed model output")

const defaultSystemPrompt = `You analyze chat conversations for urgency and priority.

INPUT: You receive:
- The inbox owner's identity (username, first_name) - this is whose inbox you're analyzing
- A batch of conversations, each with metadata and recent unread messages

OUTPUT: Return a JSON array with one object per conversation:
[{
  "conversation_id": "<uuid from input>",
  "urgency_score": <0-100>,
  "summary": "<1-2 sentence summary of unread messages>",
  "recommended_action": "reply_now|review|ignore_for_now",
  "reasoning": "<brief explanation for the score>"
}]

SCORING GUIDELINES:
- 80-100: Requires immediate response (explicit deadlines, VIP sender, urgent keywords, DIRECT MENTIONS of inbox owner)
- 50-79: Should review soon (work matters, direct questions, action items)
- 20-49: Can wait (casual conversation, informational, FYI messages)
- 0-19: Low priority (spam, marketing, broadcasts, old discussions)

Critical factors (in order of importance):
1. Direct mentions of the inbox owner - boost urgency by 25-40 points.
2. Replies to the inbox owner's messages - boost urgency by 15-25 points.
3. Sender importance (VIP flag, team members)
4. Time sensitivity (deadlines, "ASAP", "urgent")
5. Business/personal impact
6. Whether a response is expected`

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// Owner identifies the inbox owner so the model can spot mentions.
type Owner struct {
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
}

// ContextMessage is one recent message inside a conversation context.
type ContextMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Date   string `json:"date"`
}

// ConversationContext is the per-conversation payload sent for analysis.
type ConversationContext struct {
	ConversationID string           `json:"conversation_id"`
	Kind           string           `json:"type"`
	DisplayName    string           `json:"display_name"`
	Username       string           `json:"username,omitempty"`
	Priority       string           `json:"priority"`
	VIP            bool             `json:"is_vip"`
	CustomFields   map[string]any   `json:"custom_fields,omitempty"`
	Messages       []ContextMessage `json:"messages"`
}

// Analysis is the model's verdict for one conversation.
type Analysis struct {
	ConversationID    string `json:"conversation_id"`
	UrgencyScore      int    `json:"urgency_score"`
	Summary           string `json:"summary"`
	RecommendedAction string `json:"recommended_action"`
	Reasoning         string `json:"reasoning"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether the client has credentials to call out with.
func (c *Client) Enabled() bool { return c != nil && c.cfg.APIKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AnalyzeBatch scores a batch of conversations in one completion call.
func (c *Client) AnalyzeBatch(ctx context.Context, owner Owner, convs []ConversationContext) ([]Analysis, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	if len(convs) == 0 {
		return nil, nil
	}

	userPayload := struct {
		Owner         Owner                 `json:"inbox_owner"`
		Conversations []ConversationContext `json:"conversations"`
	}{Owner: owner, Conversations: convs}
	userJSON, err := json.MarshalIndent(userPayload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("llm: encode batch: %w", err)
	}

	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: string(userJSON)},
		},
		Temperature: 0.3,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: call %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: provider returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedOutput)
	}
	return ParseAnalyses(cr.Choices[0].Message.Content)
}

// ParseAnalyses decodes the model's content into analysis results. It
// tolerates markdown code fences and an object wrapper holding the array
// under "results" or "conversations".
func ParseAnalyses(content string) ([]Analysis, error) {
	content = StripFences(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrMalformedOutput)
	}

	var arr []Analysis
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		return arr, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &wrapper); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	for _, key := range []string{"results", "conversations"} {
		raw, ok := wrapper[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, fmt.Errorf("%w: %q is not an analysis array: %v", ErrMalformedOutput, key, err)
		}
		return arr, nil
	}
	return nil, fmt.Errorf("%w: no analysis array found", ErrMalformedOutput)
}

// StripFences removes a surrounding markdown code block, if present.
func StripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[i+1:]
	} else {
		return ""
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
