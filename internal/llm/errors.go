package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies provider failures for retry and translation decisions.
type Kind string

const (
	KindAuth            Kind = "auth"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindRateLimited     Kind = "rate_limited"
	KindTransient       Kind = "transient"
	KindEmptyResponse   Kind = "empty_response"
	KindInvalidRequest  Kind = "invalid_request"
	KindUnknown         Kind = "unknown"
)

// ErrProviderRateLimitExceeded is returned once rate-limit retries are exhausted.
// Callers must not retry it.
var ErrProviderRateLimitExceeded = errors.New("provider rate limit exceeded")

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(" ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error. The kind is derived from the status code
// and message when kind is empty.
func NewError(provider string, kind Kind, status int, message string, err error) *Error {
	if kind == "" {
		kind = ClassifyStatus(status, message)
	}
	return &Error{Kind: kind, Provider: provider, StatusCode: status, Message: strings.TrimSpace(message), Err: err}
}

// ClassifyStatus maps an HTTP status and provider message to a Kind.
func ClassifyStatus(status int, message string) Kind {
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	case status == http.StatusBadRequest && looksLikeContextOverflow(lower):
		return KindPayloadTooLarge
	case status >= 400:
		return KindInvalidRequest
	}
	if strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "rate limit") {
		return KindRateLimited
	}
	return KindUnknown
}

func looksLikeContextOverflow(lower string) bool {
	for _, marker := range []string{"context_length", "context length", "too long", "too many tokens", "maximum context", "exceeds the maximum"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// KindOf classifies any error returned by a provider call.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrProviderRateLimitExceeded) {
		return KindRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// Translate returns the message shown to users for a failed call. Raw
// provider payloads never reach the user.
func Translate(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "The analysis was interrupted before it could finish."
	}
	if errors.Is(err, ErrProviderRateLimitExceeded) {
		return "The AI provider is rate limiting requests and retries were exhausted. Try again later or choose another provider."
	}
	provider := "the AI provider"
	var pe *Error
	if errors.As(err, &pe) && pe.Provider != "" {
		provider = pe.Provider
	}
	switch KindOf(err) {
	case KindAuth:
		return fmt.Sprintf("Authentication with %s failed. Check the configured API key.", provider)
	case KindPayloadTooLarge:
		return fmt.Sprintf("The content sent to %s exceeds its size limit.", provider)
	case KindRateLimited:
		return fmt.Sprintf("%s is rate limiting requests. Try again later.", provider)
	case KindTransient:
		return fmt.Sprintf("%s is temporarily unavailable or timed out.", provider)
	case KindEmptyResponse:
		return fmt.Sprintf("%s returned an empty response.", provider)
	case KindInvalidRequest:
		return fmt.Sprintf("%s rejected the request.", provider)
	}
	if pe == nil {
		return sanitizeMessage(err.Error())
	}
	return fmt.Sprintf("%s failed to process the request.", provider)
}

// sanitizeMessage keeps non-provider errors on one short line and drops any
// embedded JSON payload.
func sanitizeMessage(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if idx := strings.IndexAny(msg, "{["); idx >= 0 {
		msg = strings.TrimRight(strings.TrimSpace(msg[:idx]), ":")
	}
	const max = 500
	if runes := []rune(msg); len(runes) > max {
		msg = string(runes[:max])
	}
	if msg == "" {
		return "The analysis failed."
	}
	return msg
}
