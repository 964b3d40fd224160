// Package provider defines the adapter contract every upstream LLM vendor is
// normalized into: one request shape in, one (content, tokens) completion out.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Request is the vendor-neutral generation request.
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Completion is the normalized upstream result.
type Completion struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// TotalTokens sums input and output usage.
func (c *Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// ErrorClass partitions adapter failures by how the router must react.
type ErrorClass string

const (
	// ClassTimeout: the call exceeded its deadline. Fail over.
	ClassTimeout ErrorClass = "timeout"
	// ClassServer: 5xx or 429 from upstream. Fail over.
	ClassServer ErrorClass = "server"
	// ClassClient: validation-class 4xx. Retrying elsewhere will not help.
	ClassClient ErrorClass = "client"
)

// Error is an adapter failure carrying its class and the upstream status.
type Error struct {
	Class   ErrorClass
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s error (status %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s error: %s", e.Class, e.Message)
}

// ClassOf extracts the error class of an adapter failure. Context
// cancellation and deadline expiry count as timeouts; anything unclassified
// is treated as a server-class fault so the router keeps its failover option.
func ClassOf(err error) ErrorClass {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTimeout
	}
	return ClassServer
}

// Retriable reports whether the router may fail over after this error.
func Retriable(err error) bool {
	return ClassOf(err) != ClassClient
}

// Adapter is one upstream provider normalized to the common contract.
// Implementations must honor ctx cancellation and return *Error for
// classified upstream failures.
type Adapter interface {
	ID() string
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// ClassForStatus maps an upstream HTTP status to an error class.
func ClassForStatus(status int) ErrorClass {
	switch {
	case status == 429 || status >= 500:
		return ClassServer
	default:
		return ClassClient
	}
}
