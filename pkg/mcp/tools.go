package mcp

import (
	"context"
	"encoding/json"

	"github.com/pario-ai/talkpdf/pkg/quota"
)

type userArgs struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type conversationArgs struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"talkpdf_accounts":        handleAccounts,
	"talkpdf_usage":           handleUsage,
	"talkpdf_token_history":   handleTokenHistory,
	"talkpdf_storage_history": handleStorageHistory,
	"talkpdf_conversations":   handleConversations,
	"talkpdf_conversation":    handleConversation,
	"talkpdf_cache_stats":     handleCacheStats,
}

func userSchema(withLimit bool) map[string]any {
	props := map[string]any{
		"user_id": map[string]any{"type": "string", "description": "The user to inspect"},
	}
	if withLimit {
		props["limit"] = map[string]any{"type": "integer", "description": "Maximum rows (optional, default 20)"}
	}
	return map[string]any{"type": "object", "required": []string{"user_id"}, "properties": props}
}

var allTools = []ToolDefinition{
	{
		Name:        "talkpdf_accounts",
		Description: "List every billing account with token and storage usage against limits.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "talkpdf_usage",
		Description: "Show one user's usage summary, remaining allowance and approaching-limit flags.",
		InputSchema: userSchema(false),
	},
	{
		Name:        "talkpdf_token_history",
		Description: "Show a user's most recent token transactions.",
		InputSchema: userSchema(true),
	},
	{
		Name:        "talkpdf_storage_history",
		Description: "Show a user's most recent storage transactions.",
		InputSchema: userSchema(true),
	},
	{
		Name:        "talkpdf_conversations",
		Description: "List a user's conversations, newest first.",
		InputSchema: userSchema(false),
	},
	{
		Name:        "talkpdf_conversation",
		Description: "Show the messages of one conversation.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"user_id", "conversation_id"},
			"properties": map[string]any{
				"user_id":         map[string]any{"type": "string", "description": "Owner of the conversation"},
				"conversation_id": map[string]any{"type": "string", "description": "The conversation to show"},
			},
		},
	},
	{
		Name:        "talkpdf_cache_stats",
		Description: "Show embedding cache statistics (entries, hits, misses, hit rate).",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func parseUser(raw json.RawMessage) (userArgs, bool) {
	var args userArgs
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}
	return args, args.UserID != ""
}

func handleAccounts(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	accts, err := s.ledger.Accounts(ctx)
	if err != nil {
		return errorResult("Error fetching accounts: " + err.Error())
	}
	return textResult(formatAccounts(accts))
}

func handleUsage(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	args, ok := parseUser(raw)
	if !ok {
		return errorResult("user_id is required")
	}
	acct, err := s.ledger.EnsureAccount(ctx, args.UserID)
	if err != nil {
		return errorResult("Error fetching account: " + err.Error())
	}
	return textResult(formatSummary(quota.Summarize(*acct)))
}

func handleTokenHistory(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	args, ok := parseUser(raw)
	if !ok {
		return errorResult("user_id is required")
	}
	txs, err := s.ledger.TokenHistory(ctx, args.UserID, args.Limit, 0)
	if err != nil {
		return errorResult("Error fetching token history: " + err.Error())
	}
	return textResult(formatTokenHistory(txs))
}

func handleStorageHistory(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	args, ok := parseUser(raw)
	if !ok {
		return errorResult("user_id is required")
	}
	txs, err := s.ledger.StorageHistory(ctx, args.UserID, args.Limit, 0)
	if err != nil {
		return errorResult("Error fetching storage history: " + err.Error())
	}
	return textResult(formatStorageHistory(txs))
}

func handleConversations(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.convs == nil {
		return textResult("Conversation store is not configured.")
	}
	args, ok := parseUser(raw)
	if !ok {
		return errorResult("user_id is required")
	}
	convs, err := s.convs.ListByUser(ctx, args.UserID)
	if err != nil {
		return errorResult("Error fetching conversations: " + err.Error())
	}
	return textResult(formatConversations(convs))
}

func handleConversation(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.convs == nil {
		return textResult("Conversation store is not configured.")
	}
	var args conversationArgs
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if args.UserID == "" || args.ConversationID == "" {
		return errorResult("user_id and conversation_id are required")
	}
	detail, err := s.convs.Get(ctx, args.UserID, args.ConversationID)
	if err != nil {
		return errorResult("Error fetching conversation: " + err.Error())
	}
	return textResult(formatConversation(detail))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Embedding cache is not configured.")
	}
	stats, err := s.cache.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}
