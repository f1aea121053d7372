package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/af-corp/rudder/internal/types"
)

// Client is the capability contract every backend adapter satisfies. Chat and
// Embed take the provider-native model identifier; callers that route by
// catalog entry resolve that identifier first. Every non-nil error returned
// by a Client is a *CallError, so dispatch logic can branch on the outcome
// classification without seeing backend-specific error shapes.
type Client interface {
	Name() types.Provider
	Chat(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.ChatResponse, error)
	Embed(ctx context.Context, model string, text string) (*types.EmbeddingResponse, error)
}

// CallError is the uniform error shape surfaced by provider clients. Outcome
// carries the normalized classification; Err retains the underlying cause
// for logs only.
type CallError struct {
	Provider types.Provider
	Outcome  types.Outcome
	Status   int
	Message  string
	Err      error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s call failed (%s, status %d): %s", e.Provider, e.Outcome, e.Status, e.Message)
	}
	return fmt.Sprintf("%s call failed (%s): %s", e.Provider, e.Outcome, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// Classify maps any error returned by a Client call onto the outcome enum.
// A nil error is success. Context errors mean the attempt's own transport
// gave up, which counts as a transport error; the caller-level deadline is
// the dispatcher's concern, checked separately.
func Classify(err error) types.Outcome {
	if err == nil {
		return types.OutcomeSuccess
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Outcome
	}
	return types.OutcomeTransportError
}

var throttleKeywords = []string{
	"throttling",
	"rate limit",
	"too many requests",
	"tokens per minute",
}

// looksThrottled reports whether an error message carries a throttle signal
// regardless of what status code wrapped it. Some backends return throttle
// text under generic 4xx/5xx codes.
func looksThrottled(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range throttleKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// classifyStatus folds an HTTP status plus response text into an outcome.
func classifyStatus(status int, body string) types.Outcome {
	if looksThrottled(body) {
		return types.OutcomeThrottled
	}
	switch {
	case status == http.StatusTooManyRequests:
		return types.OutcomeThrottled
	case status == 529: // anthropic overloaded
		return types.OutcomeThrottled
	case status == http.StatusRequestTimeout:
		return types.OutcomeTransportError
	case status >= 500:
		return types.OutcomeTransportError
	case status >= 400:
		return types.OutcomeRejected
	default:
		return types.OutcomeTransportError
	}
}

// httpError builds a CallError from a non-2xx provider response.
func httpError(p types.Provider, status int, body string) *CallError {
	return &CallError{
		Provider: p,
		Outcome:  classifyStatus(status, body),
		Status:   status,
		Message:  truncate(body, 512),
	}
}

// transportError builds a CallError for a failure before any HTTP status
// existed: dial errors, timeouts, body read failures, undecodable payloads.
func transportError(p types.Provider, err error) *CallError {
	return &CallError{
		Provider: p,
		Outcome:  types.OutcomeTransportError,
		Message:  err.Error(),
		Err:      err,
	}
}

// rejectedError builds a CallError for requests the client refuses to send,
// such as embeddings against a chat-only backend.
func rejectedError(p types.Provider, msg string) *CallError {
	return &CallError{
		Provider: p,
		Outcome:  types.OutcomeRejected,
		Message:  msg,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
