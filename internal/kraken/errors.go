package kraken

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMissingCredentials = errors.New("kraken api credentials are not configured")

// ExchangeError is the generic venue failure. Transient connectivity
// and 5xx failures are marked retryable and picked up by the transport
// retry loop; everything else surfaces to the caller as-is.
type ExchangeError struct {
	Endpoint  string
	Message   string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange error on %s: %s: %v", e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("exchange error on %s: %s", e.Endpoint, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

type RateLimitError struct {
	Endpoint string
	Message  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: %s", e.Endpoint, e.Message)
}

type AuthenticationError struct {
	Endpoint string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed on %s: %s", e.Endpoint, e.Message)
}

// OrderError is an order-parameter rejection reported by the venue.
// Never retried: order placement is not idempotent at the exchange.
type OrderError struct {
	Endpoint string
	Message  string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order rejected on %s: %s", e.Endpoint, e.Message)
}

// OrderOutcomeUnknownError means an order submission failed in a way
// that leaves the venue-side outcome undetermined, and the follow-up
// status query could not resolve it either. Callers must treat the
// order as possibly live; re-sending it could double-execute.
type OrderOutcomeUnknownError struct {
	Endpoint string
	Err      error
}

func (e *OrderOutcomeUnknownError) Error() string {
	return fmt.Sprintf("order submission outcome unknown on %s: %v", e.Endpoint, e.Err)
}

func (e *OrderOutcomeUnknownError) Unwrap() error { return e.Err }

type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("unknown trading symbol %q", e.Symbol)
}

// classifyMessages maps Kraken's error strings onto the error taxonomy
// in a single pass over the reported messages.
func classifyMessages(endpoint string, msgs []string) error {
	joined := strings.Join(msgs, "; ")
	for _, msg := range msgs {
		switch {
		case strings.Contains(msg, "Rate limit") || strings.Contains(msg, "Too many requests"):
			return &RateLimitError{Endpoint: endpoint, Message: joined}
		case strings.HasPrefix(msg, "EAPI:Invalid key"),
			strings.HasPrefix(msg, "EAPI:Invalid signature"),
			strings.HasPrefix(msg, "EAPI:Invalid nonce"),
			strings.HasPrefix(msg, "EGeneral:Permission denied"):
			return &AuthenticationError{Endpoint: endpoint, Message: joined}
		case strings.HasPrefix(msg, "EOrder:"):
			return &OrderError{Endpoint: endpoint, Message: joined}
		case strings.HasPrefix(msg, "EService:"),
			strings.HasPrefix(msg, "EGeneral:Internal error"):
			return &ExchangeError{Endpoint: endpoint, Message: joined, Retryable: true}
		}
	}
	return &ExchangeError{Endpoint: endpoint, Message: joined}
}

func classifyStatus(endpoint string, code int, body string) error {
	switch {
	case code == 429:
		return &RateLimitError{Endpoint: endpoint, Message: fmt.Sprintf("HTTP %d: %s", code, body)}
	case code == 401 || code == 403:
		return &AuthenticationError{Endpoint: endpoint, Message: fmt.Sprintf("HTTP %d: %s", code, body)}
	default:
		return &ExchangeError{
			Endpoint:  endpoint,
			Message:   fmt.Sprintf("HTTP %d: %s", code, body),
			Retryable: code >= 500,
		}
	}
}
