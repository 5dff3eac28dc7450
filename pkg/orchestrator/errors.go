package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/pario-ai/talkpdf/pkg/completion"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

// Kind categorises a failed turn for the client.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindInvalidRequest     Kind = "invalid_request"
	KindQuotaExceeded      Kind = "quota_exceeded"
	KindRateLimited        Kind = "rate_limited"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindInternal           Kind = "internal"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrRateLimited     = errors.New("rate limited")
)

// TurnError is returned for every turn that did not complete.
type TurnError struct {
	Kind    Kind
	Message string
	// Check is set for token quota rejections.
	Check *quota.Check
	Err   error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Err }

func unauthenticated() *TurnError {
	return &TurnError{Kind: KindUnauthenticated, Message: "Authentication required.", Err: ErrUnauthenticated}
}

func invalidRequest(msg string) *TurnError {
	return &TurnError{Kind: KindInvalidRequest, Message: msg, Err: ErrInvalidRequest}
}

func rateLimited() *TurnError {
	return &TurnError{
		Kind:    KindRateLimited,
		Message: "Too many messages. Please wait a moment before sending another.",
		Err:     ErrRateLimited,
	}
}

func quotaExceeded(check quota.Check) *TurnError {
	err := check.Err()
	msg := "Token limit exceeded."
	var le *quota.LimitError
	if errors.As(err, &le) {
		msg = le.FriendlyMessage()
	}
	return &TurnError{Kind: KindQuotaExceeded, Message: msg, Check: &check, Err: err}
}

func internal(err error) *TurnError {
	return &TurnError{Kind: KindInternal, Message: completion.Message(completion.KindInternal), Err: err}
}

// streamFailure maps a completion failure onto a turn error.
func streamFailure(err error) *TurnError {
	var kind Kind
	ck := completion.Classify(err)
	switch ck {
	case completion.KindTimeout:
		kind = KindTimeout
	case completion.KindRateLimited:
		kind = KindRateLimited
	case completion.KindQuotaExceeded:
		// The provider's quota, not the user's: nothing the user can buy fixes it.
		kind = KindServiceUnavailable
	case completion.KindServiceUnavailable:
		kind = KindServiceUnavailable
	default:
		kind = KindInternal
	}
	return &TurnError{Kind: kind, Message: completion.Message(ck), Err: err}
}

// AsTurnError converts any error into a TurnError.
func AsTurnError(err error) *TurnError {
	if err == nil {
		return nil
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TurnError{Kind: KindTimeout, Message: completion.Message(completion.KindTimeout), Err: err}
	}
	return internal(err)
}
