package quota

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/pario-ai/talkpdf/pkg/models"
)

// Resource names a metered quantity.
type Resource string

const (
	ResourceTokens  Resource = "tokens"
	ResourceStorage Resource = "storage"
)

// ApproachingThreshold is the usage fraction at which a limit is reported as
// approaching.
const ApproachingThreshold = 0.85

// Check is the read-only answer to "can this user spend Needed more?".
type Check struct {
	Resource     Resource `json:"limitType"`
	Allowed      bool     `json:"allowed"`
	Needed       int64    `json:"needed"`
	Available    int64    `json:"available"`
	CurrentUsage int64    `json:"currentUsage"`
	Limit        int64    `json:"limit"`
}

func newCheck(res Resource, needed, used, limit int64) Check {
	available := max(0, limit-used)
	return Check{
		Resource:     res,
		Allowed:      needed <= limit-used,
		Needed:       needed,
		Available:    available,
		CurrentUsage: used,
		Limit:        limit,
	}
}

// Shortfall is how much more allowance the request would need.
func (c Check) Shortfall() int64 {
	return max(0, c.Needed-c.Available)
}

// Err returns a *LimitError when the check was disallowed, nil otherwise.
func (c Check) Err() error {
	if c.Allowed {
		return nil
	}
	return &LimitError{Check: c}
}

// LimitError reports a disallowed check. It unwraps to ErrInsufficientTokens
// or ErrInsufficientStorage.
type LimitError struct {
	Check Check
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: needed %d, available %d (shortfall %d)",
		e.Unwrap(), e.Check.Needed, e.Check.Available, e.Check.Shortfall())
}

func (e *LimitError) Unwrap() error {
	if e.Check.Resource == ResourceStorage {
		return ErrInsufficientStorage
	}
	return ErrInsufficientTokens
}

// FriendlyMessage is the user-facing explanation of a limit error.
func (e *LimitError) FriendlyMessage() string {
	c := e.Check
	if c.Resource == ResourceStorage {
		return fmt.Sprintf("Storage limit exceeded. You've used %s of your %s storage. Upgrade to get more storage.",
			humanize.IBytes(uint64(c.CurrentUsage)), humanize.IBytes(uint64(c.Limit)))
	}
	return fmt.Sprintf("Token limit exceeded. You've used %s of your %s tokens. Upgrade to get more tokens.",
		humanize.Comma(c.CurrentUsage), humanize.Comma(c.Limit))
}

// Summary is an account snapshot with derived remaining counters and
// approaching-limit flags.
type Summary struct {
	Account                 models.BillingAccount `json:"account"`
	TokensRemaining         int64                 `json:"tokensRemaining"`
	StorageRemaining        int64                 `json:"storageRemaining"`
	TokenUsagePercent       float64               `json:"tokenUsagePercent"`
	StorageUsagePercent     float64               `json:"storageUsagePercent"`
	ApproachingTokenLimit   bool                  `json:"approachingTokenLimit"`
	ApproachingStorageLimit bool                  `json:"approachingStorageLimit"`
}

// Summarize derives a Summary from an account.
func Summarize(acct models.BillingAccount) Summary {
	tokenPct := percent(acct.TokensUsed, acct.TokensLimit)
	storagePct := percent(acct.StorageUsed, acct.StorageLimit)
	return Summary{
		Account:                 acct,
		TokensRemaining:         acct.TokensRemaining(),
		StorageRemaining:        acct.StorageRemaining(),
		TokenUsagePercent:       tokenPct,
		StorageUsagePercent:     storagePct,
		ApproachingTokenLimit:   tokenPct >= ApproachingThreshold*100,
		ApproachingStorageLimit: storagePct >= ApproachingThreshold*100,
	}
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return float64(used) / float64(limit) * 100
}
