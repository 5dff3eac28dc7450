package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/pario-ai/talkpdf/pkg/models"
)

// Upgrade bounds and pricing. One dollar buys TokensPerDollar tokens or
// StorageBytesPerDollar bytes; partial units round up.
const (
	MinUpgradeTokens      int64 = 1000
	MaxUpgradeTokens      int64 = 100000
	MaxUpgradeStorage     int64 = 10 << 30
	TokensPerDollar       int64 = 1000
	StorageBytesPerDollar int64 = 500 << 20
)

// ErrInvalidUpgrade is returned when an upgrade is outside the allowed bounds.
var ErrInvalidUpgrade = errors.New("invalid upgrade")

// UpgradeRequest is a verified purchase of extra allowance.
type UpgradeRequest struct {
	UserID           string                  `json:"userId" validate:"required"`
	TokensToAdd      int64                   `json:"tokensToAdd" validate:"gte=1000,lte=100000"`
	StorageToAdd     int64                   `json:"storageToAdd" validate:"gte=0,lte=10737418240"`
	SubscriptionType models.SubscriptionType `json:"subscriptionType,omitempty" validate:"omitempty,oneof=free paid"`
}

// UpgradeResult is the outcome of a successful upgrade.
type UpgradeResult struct {
	Cost    int64                 `json:"cost"`
	Account models.BillingAccount `json:"account"`
}

// Cost returns the whole-dollar price of an upgrade.
func Cost(tokens, storageBytes int64) int64 {
	return ceilDiv(tokens, TokensPerDollar) + ceilDiv(storageBytes, StorageBytesPerDollar)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

var validate = validator.New()

// ValidateUpgrade checks req against its struct tags.
func ValidateUpgrade(req UpgradeRequest) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidUpgrade, err)
	}
	fe := verrs[0]
	switch fe.StructField() {
	case "UserID":
		return ErrMissingUser
	case "TokensToAdd":
		return fmt.Errorf("%w: tokens must be between %d and %d, got %d",
			ErrInvalidUpgrade, MinUpgradeTokens, MaxUpgradeTokens, req.TokensToAdd)
	case "StorageToAdd":
		return fmt.Errorf("%w: storage must be between 0 and %d bytes, got %d",
			ErrInvalidUpgrade, MaxUpgradeStorage, req.StorageToAdd)
	default:
		return fmt.Errorf("%w: %s failed %q", ErrInvalidUpgrade, fe.StructField(), fe.Tag())
	}
}

// ApplyUpgrade raises the user's limits. Counters are untouched.
func (l *Ledger) ApplyUpgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	if err := ValidateUpgrade(req); err != nil {
		return nil, err
	}
	if _, err := l.EnsureAccount(ctx, req.UserID); err != nil {
		return nil, err
	}
	sub := req.SubscriptionType
	if sub == "" {
		sub = models.SubscriptionPaid
	}
	acct, err := l.store.RaiseLimits(ctx, req.UserID, req.TokensToAdd, req.StorageToAdd, sub)
	if err != nil {
		return nil, fmt.Errorf("apply upgrade: %w", err)
	}
	cost := Cost(req.TokensToAdd, req.StorageToAdd)
	log.Info().
		Str("user_id", req.UserID).
		Int64("tokens_added", req.TokensToAdd).
		Int64("storage_added", req.StorageToAdd).
		Int64("cost", cost).
		Msg("upgrade applied")
	return &UpgradeResult{Cost: cost, Account: *acct}, nil
}
