package completion

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Kind classifies a completion failure for the client.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindRateLimited        Kind = "rate_limited"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

// Classify maps an upstream error onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type == "insufficient_quota" || apiErr.Code == "insufficient_quota" {
			return KindQuotaExceeded
		}
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindServiceUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindServiceUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "quota"):
		return KindQuotaExceeded
	case strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "bad gateway"):
		return KindServiceUnavailable
	}
	return KindInternal
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServiceUnavailable
	default:
		return KindInternal
	}
}

// Retryable reports whether another provider might succeed where this one
// failed.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindServiceUnavailable, KindTimeout:
		return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
	}
	return false
}

// Message is the user-facing text for a failure kind.
func Message(k Kind) string {
	switch k {
	case KindTimeout:
		return "The request timed out. Please try again."
	case KindRateLimited:
		return "Too many requests right now. Please wait a moment and try again."
	case KindQuotaExceeded:
		return "The AI service quota has been exceeded. Please try again later."
	case KindServiceUnavailable:
		return "Unable to reach the AI service. Please try again shortly."
	default:
		return "Something went wrong while generating a response."
	}
}
