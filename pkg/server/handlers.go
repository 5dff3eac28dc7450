package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/indexing"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/orchestrator"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

const defaultHistoryPage = 50

func (s *Server) handleChat(c *gin.Context) {
	var req orchestrator.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, string(orchestrator.KindInvalidRequest), "Invalid request body.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, string(orchestrator.KindInvalidRequest), err.Error())
		return
	}

	turn, err := s.opts.Orchestrator.Prepare(c.Request.Context(), userID(c), req)
	if err != nil {
		writeTurnError(c, orchestrator.AsTurnError(err))
		return
	}
	sink, err := newSSESink(c.Writer)
	if err != nil {
		turn.Abort()
		writeError(c, http.StatusInternalServerError, string(orchestrator.KindInternal), "Streaming not supported.")
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	if err := turn.Stream(sink); err != nil {
		log.Debug().Err(err).Str("conversation_id", req.ConversationID).Msg("turn ended early")
	}
}

func (s *Server) handleBillingUsage(c *gin.Context) {
	acct, err := s.opts.Ledger.EnsureAccount(c.Request.Context(), userID(c))
	if err != nil {
		log.Error().Err(err).Msg("load billing account")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to load usage.")
		return
	}
	c.JSON(http.StatusOK, quota.Summarize(*acct))
}

func (s *Server) handleUsageHistory(c *gin.Context) {
	limit := queryInt(c, "limit", defaultHistoryPage)
	offset := queryInt(c, "offset", 0)
	ctx := c.Request.Context()

	var (
		txs any
		err error
	)
	switch c.Query("type") {
	case "tokens":
		txs, err = s.opts.Ledger.TokenHistory(ctx, userID(c), limit, offset)
	case "storage":
		txs, err = s.opts.Ledger.StorageHistory(ctx, userID(c), limit, offset)
	default:
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid type parameter. Use 'tokens' or 'storage'.")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("load usage history")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to fetch usage data.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

type fileUpload struct {
	FileID    string `json:"fileId" validate:"required"`
	Filename  string `json:"filename" validate:"required"`
	SizeBytes int64  `json:"sizeBytes" validate:"gt=0"`
}

func (s *Server) handleFileUpload(c *gin.Context) {
	var req fileUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid request body.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	check, err := s.opts.Ledger.CheckStorage(ctx, uid, req.SizeBytes)
	if err != nil {
		log.Error().Err(err).Msg("check storage")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to check storage.")
		return
	}
	if le, ok := asLimitError(check.Err()); ok {
		writeLimitError(c, http.StatusRequestEntityTooLarge, le)
		return
	}

	total, err := s.opts.Ledger.RecordStorageUsage(ctx, uid, req.SizeBytes, models.OpFileUpload,
		models.StorageMeta{FileID: req.FileID, Filename: req.Filename})
	if le, ok := asLimitError(err); ok {
		// Lost a race with a concurrent upload.
		writeLimitError(c, http.StatusRequestEntityTooLarge, le)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("file_id", req.FileID).Msg("record upload")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to record upload.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileId": req.FileID, "storageUsed": total})
}

func (s *Server) handleFileDelete(c *gin.Context) {
	fileID := c.Param("id")
	size, err := strconv.ParseInt(c.Query("size"), 10, 64)
	if err != nil || size < 0 {
		writeError(c, http.StatusBadRequest, "invalid_request", "size must be a non-negative integer.")
		return
	}
	ctx := c.Request.Context()
	uid := userID(c)

	total, err := s.opts.Ledger.RecordStorageUsage(ctx, uid, size, models.OpFileDelete,
		models.StorageMeta{FileID: fileID, Filename: c.Query("filename")})
	if err != nil {
		log.Error().Err(err).Str("file_id", fileID).Msg("record delete")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to record delete.")
		return
	}

	removed := 0
	if s.opts.Indexer != nil {
		removed, err = s.opts.Indexer.Remove(ctx, uid, fileID)
		if err != nil {
			log.Warn().Err(err).Str("file_id", fileID).Msg("file vectors not removed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"fileId": fileID, "storageUsed": total, "chunksRemoved": removed})
}

func (s *Server) handleIndex(c *gin.Context) {
	if s.opts.Indexer == nil {
		writeError(c, http.StatusServiceUnavailable, "service_unavailable", "Indexing is not configured.")
		return
	}
	var req indexing.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid request body.")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.opts.Indexer.Index(c.Request.Context(), userID(c), req)
	if le, ok := asLimitError(err); ok {
		writeLimitError(c, http.StatusPaymentRequired, le)
		return
	}
	if errors.Is(err, indexing.ErrNoFiles) || errors.Is(err, indexing.ErrNoChunks) {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID(c)).Msg("index documents")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to index documents.")
		return
	}
	c.JSON(http.StatusOK, res)
}

type createConversation struct {
	Title string `json:"title" validate:"max=200"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req createConversation
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", "Invalid request body.")
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	conv, err := s.opts.Conversations.Create(c.Request.Context(), userID(c), req.Title)
	if err != nil {
		log.Error().Err(err).Msg("create conversation")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to create conversation.")
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.opts.Conversations.ListByUser(c.Request.Context(), userID(c))
	if err != nil {
		log.Error().Err(err).Msg("list conversations")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to list conversations.")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	detail, err := s.opts.Conversations.Get(c.Request.Context(), userID(c), c.Param("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(c, http.StatusNotFound, "not_found", "Conversation not found.")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("get conversation")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to load conversation.")
		return
	}
	c.JSON(http.StatusOK, detail)
}

type titleRequest struct {
	TextContent []string `json:"textContent"`
	FileNames   []string `json:"fileNames"`
}

func (s *Server) handleGenerateTitle(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid request body.")
		return
	}
	ctx := c.Request.Context()
	uid, convID := userID(c), c.Param("id")

	if _, err := s.opts.Conversations.Lookup(ctx, uid, convID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "Conversation not found.")
			return
		}
		log.Error().Err(err).Msg("lookup conversation")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to load conversation.")
		return
	}

	result := conversation.TitleResult{Title: conversation.FallbackTitle(req.FileNames)}
	if s.opts.Titles != nil {
		tctx, cancel := context.WithTimeout(ctx, s.opts.TitleTimeout)
		result = s.opts.Titles.Generate(tctx, req.TextContent, req.FileNames)
		cancel()
		s.opts.Ledger.RecordTokensBestEffort(ctx, uid, int64(result.Usage.TotalTokens), models.OpChatMessage,
			models.UsageMeta{ConversationID: convID, Description: "Title generation"})
	}

	if err := s.opts.Conversations.UpdateTitle(ctx, uid, convID, result.Title); err != nil {
		log.Error().Err(err).Msg("update title")
		writeError(c, http.StatusInternalServerError, "internal", "Failed to save title.")
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": result.Title, "generated": result.Generated})
}

func (s *Server) handlePaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Failed to read body.")
		return
	}
	if err := s.opts.Verifier.Verify(body, c.GetHeader(SignatureHeader)); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrMissingSignature) {
			status = http.StatusBadRequest
		}
		log.Warn().Err(err).Msg("payment webhook rejected")
		writeError(c, status, "invalid_signature", err.Error())
		return
	}

	ev, err := parsePaymentEvent(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid event data.")
		return
	}

	switch ev.Meta.EventName {
	case eventOrderCreated:
		s.applyOrder(c, ev)
	case eventOrderRefunded:
		log.Info().Str("order_id", ev.Data.ID).Msg("order refunded")
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Webhook processed", "event": ev.Meta.EventName})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Event ignored"})
	}
}

func (s *Server) applyOrder(c *gin.Context, ev *paymentEvent) {
	data := ev.Data.Attributes.CustomData
	if err := s.validate.Struct(data); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "Invalid event data.")
		return
	}
	req, err := data.upgradeRequest()
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.opts.Ledger.ApplyUpgrade(c.Request.Context(), req)
	if errors.Is(err, quota.ErrInvalidUpgrade) || errors.Is(err, quota.ErrMissingUser) {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err != nil {
		// The payment went through; this needs manual follow-up.
		log.Error().Err(err).
			Str("user_id", req.UserID).
			Str("order_id", ev.Data.ID).
			Int64("tokens", req.TokensToAdd).
			Msg("payment received but upgrade failed")
		writeError(c, http.StatusInternalServerError, "internal", "Payment received but upgrade failed.")
		return
	}

	log.Info().
		Str("user_id", req.UserID).
		Int64("tokens", req.TokensToAdd).
		Int64("storage_bytes", req.StorageToAdd).
		Msg("account upgraded")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Payment processed successfully",
		"upgraded": gin.H{
			"tokens":  req.TokensToAdd,
			"storage": req.StorageToAdd,
			"cost":    res.Cost,
		},
		"account": res.Account,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
