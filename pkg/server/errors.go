package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pario-ai/talkpdf/pkg/orchestrator"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

var turnStatus = map[orchestrator.Kind]int{
	orchestrator.KindUnauthenticated:    http.StatusUnauthorized,
	orchestrator.KindInvalidRequest:     http.StatusBadRequest,
	orchestrator.KindQuotaExceeded:      http.StatusPaymentRequired,
	orchestrator.KindRateLimited:        http.StatusTooManyRequests,
	orchestrator.KindTimeout:            http.StatusGatewayTimeout,
	orchestrator.KindServiceUnavailable: http.StatusServiceUnavailable,
	orchestrator.KindInternal:           http.StatusInternalServerError,
}

func writeTurnError(c *gin.Context, te *orchestrator.TurnError) {
	status, ok := turnStatus[te.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := gin.H{"error": string(te.Kind), "message": te.Message}
	if te.Check != nil {
		limitBody(body, *te.Check)
	}
	c.JSON(status, body)
}

// writeLimitError answers a disallowed quota check.
func writeLimitError(c *gin.Context, status int, le *quota.LimitError) {
	body := gin.H{"error": "quota_exceeded", "message": le.FriendlyMessage()}
	limitBody(body, le.Check)
	c.JSON(status, body)
}

func limitBody(body gin.H, check quota.Check) {
	body["limitType"] = check.Resource
	body["needed"] = check.Needed
	body["available"] = check.Available
	body["currentUsage"] = check.CurrentUsage
	body["limit"] = check.Limit
	body["shortage"] = check.Shortfall()
	body["actionRequired"] = "upgrade"
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": code, "message": message})
}

// asLimitError extracts a quota rejection from err.
func asLimitError(err error) (*quota.LimitError, bool) {
	var le *quota.LimitError
	ok := errors.As(err, &le)
	return le, ok
}
