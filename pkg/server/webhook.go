package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("invalid signature")
)

// SignatureHeader carries the hex HMAC of the raw webhook body.
const SignatureHeader = "X-Signature"

// SignatureVerifier authenticates a payment webhook body.
type SignatureVerifier interface {
	Verify(body []byte, signature string) error
}

// HMACVerifier checks a hex-encoded HMAC-SHA256 of the body.
type HMACVerifier struct {
	Secret []byte
}

// Verify implements SignatureVerifier.
func (v HMACVerifier) Verify(body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the signature Verify expects for body.
func (v HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// paymentEvent is the subset of a store webhook the ledger cares about.
type paymentEvent struct {
	Meta struct {
		EventName string `json:"event_name"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			CustomData customData `json:"custom_data"`
		} `json:"attributes"`
	} `json:"data"`
}

// customData values arrive as strings from checkout metadata.
type customData struct {
	UserID    string `json:"user_id" validate:"required"`
	Tokens    string `json:"tokens" validate:"required,numeric"`
	StorageMB string `json:"storage_mb" validate:"omitempty,numeric"`
	TotalCost string `json:"total_cost"`
}

const (
	eventOrderCreated  = "order_created"
	eventOrderRefunded = "order_refunded"
)

func parsePaymentEvent(body []byte) (*paymentEvent, error) {
	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &ev, nil
}

// upgradeRequest converts an order's custom data into a ledger upgrade.
func (d customData) upgradeRequest() (quota.UpgradeRequest, error) {
	tokens, err := strconv.ParseInt(d.Tokens, 10, 64)
	if err != nil {
		return quota.UpgradeRequest{}, fmt.Errorf("tokens: %w", err)
	}
	var storageMB int64
	if d.StorageMB != "" {
		storageMB, err = strconv.ParseInt(d.StorageMB, 10, 64)
		if err != nil {
			return quota.UpgradeRequest{}, fmt.Errorf("storage_mb: %w", err)
		}
		if storageMB > quota.MaxUpgradeStorage>>20 {
			return quota.UpgradeRequest{}, fmt.Errorf("%w: storage_mb must be at most %d, got %d",
				quota.ErrInvalidUpgrade, quota.MaxUpgradeStorage>>20, storageMB)
		}
	}
	return quota.UpgradeRequest{
		UserID:           d.UserID,
		TokensToAdd:      tokens,
		StorageToAdd:     storageMB << 20,
		SubscriptionType: models.SubscriptionPaid,
	}, nil
}
