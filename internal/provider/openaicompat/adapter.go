// Package openaicompat adapts OpenAI-compatible chat/completions endpoints to
// the gateway's provider contract.
package openaicompat

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

	"github.com/modelgate/modelgate/internal/provider"
)

const defaultTimeout = 60 * time.Second

// Adapter calls a single OpenAI-compatible endpoint.
type Adapter struct {
	id         string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAdapter builds an adapter for one catalog entry.
func NewAdapter(id, apiKey, baseURL string, timeout time.Duration) *Adapter {
	return NewAdapterWithClient(id, apiKey, baseURL, timeout, nil)
}

// NewAdapterWithClient allows injecting an http.Client (tests use scripted
// transports).
func NewAdapterWithClient(id, apiKey, baseURL string, timeout time.Duration, httpClient *http.Client) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Adapter{
		id:         strings.ToLower(strings.TrimSpace(id)),
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

func (a *Adapter) ID() string { return a.id }

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
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete issues one chat/completions call and normalizes the result.
func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &provider.Error{Class: provider.ClassTimeout, Message: err.Error()}
		}
		return nil, &provider.Error{Class: provider.ClassServer, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &provider.Error{Class: provider.ClassServer, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.Error{
			Class:   provider.ClassForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: upstreamErrorMessage(body),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &provider.Error{Class: provider.ClassServer, Message: "unparseable upstream response"}
	}
	if len(parsed.Choices) == 0 {
		return nil, &provider.Error{Class: provider.ClassServer, Message: "upstream returned no choices"}
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &provider.Completion{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func upstreamErrorMessage(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
