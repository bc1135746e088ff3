package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ledgerline/airouter/internal/config"
)

const defaultCallTimeout = 120 * time.Second

// OpenAICompat drives any OpenAI-compatible chat completions endpoint and
// asks for structured output via response_format json_schema.
type OpenAICompat struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAICompat creates a backend from provider config.
func NewOpenAICompat(p config.ProviderConfig) *OpenAICompat {
	return &OpenAICompat{
		name:    p.Name,
		baseURL: p.BaseURL,
		apiKey:  p.APIKey,
		model:   p.Model,
		client:  &http.Client{Timeout: defaultCallTimeout},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (b *OpenAICompat) Execute(ctx context.Context, prompt string, schema SchemaDescriptor) (*Result, error) {
	body := chatRequest{
		Model:    b.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if len(schema.Schema) > 0 {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schema.Name,
				"schema": schema.Schema,
				"strict": true,
			},
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: b.name, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: b.name, Message: "read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Provider:   b.name,
			Message:    errorMessage(raw, resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %v: %w", err, ErrInvalidPayload)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("parse response: no choices returned: %w", ErrInvalidPayload)
	}

	content := []byte(parsed.Choices[0].Message.Content)
	if !json.Valid(content) {
		return nil, fmt.Errorf("parse response: payload is not valid JSON: %w", ErrInvalidPayload)
	}

	return &Result{
		Data: json.RawMessage(content),
		Meta: parseQuotaHeaders(resp.Header),
	}, nil
}

func errorMessage(raw []byte, status int) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return http.StatusText(status)
}

// parseQuotaHeaders reads OpenAI-style rate limit headers into quota hints.
// Returns nil when no dimension was reported.
func parseQuotaHeaders(h http.Header) *Meta {
	var meta Meta
	found := false

	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.RemainingRequests = &n
			found = true
		}
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			meta.RemainingTokens = &n
			found = true
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			t := time.Now().Add(d)
			meta.ResetAt = &t
			found = true
		}
	}

	if !found {
		return nil
	}
	return &meta
}
