// Package anthropic adapts the Anthropic Messages API to the gateway's
// provider contract.
package anthropic

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

const (
	defaultTimeout = 60 * time.Second
	apiVersion     = "2023-06-01"
)

// Adapter calls one Anthropic-compatible messages endpoint.
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

// NewAdapterWithClient allows injecting an http.Client for tests.
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

type messagesRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Temperature float64 `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete issues one messages call and normalizes the result.
func (a *Adapter) Complete(ctx context.Context, req *provider.Request) (*provider.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024 // the messages API rejects requests without max_tokens
	}

	payload, err := json.Marshal(messagesRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
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

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &provider.Error{Class: provider.ClassServer, Message: "unparseable upstream response"}
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &provider.Completion{
		Content:      text.String(),
		Model:        model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func upstreamErrorMessage(body []byte) string {
	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	s := string(body)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
