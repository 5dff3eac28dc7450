package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pario-ai/talkpdf/pkg/billing"
	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

type fakeCache struct {
	stats embedding.CacheStats
}

func (f *fakeCache) Stats() (embedding.CacheStats, error) { return f.stats, nil }

func setup(t *testing.T) (*quota.Ledger, *conversation.SQLiteStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talkpdf.db")
	bs, err := billing.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bs.Close() })
	cs, err := conversation.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	return quota.New(bs), cs
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(data, &result)
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "talkpdf" {
		t.Errorf("server name = %s, want talkpdf", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(toolHandlers) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(toolHandlers))
	}
	for _, tool := range result.Tools {
		if _, ok := toolHandlers[tool.Name]; !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallUsage(t *testing.T) {
	ledger, _ := setup(t)
	if _, err := ledger.RecordTokenUsage(context.Background(), "alice", 4500, models.OpChatMessage,
		models.UsageMeta{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	srv := New(ledger, nil, nil, "test")

	text := callTool(t, srv, "talkpdf_usage", `{"user_id":"alice"}`).Content[0].Text
	if !strings.Contains(text, "4,500 / 5,000") {
		t.Errorf("expected token usage in output, got: %s", text)
	}
	if !strings.Contains(text, "Approaching token limit") {
		t.Errorf("expected approaching flag, got: %s", text)
	}

	text = callTool(t, srv, "talkpdf_token_history", `{"user_id":"alice"}`).Content[0].Text
	if !strings.Contains(text, "chat_message") || !strings.Contains(text, "c1") {
		t.Errorf("unexpected history output: %s", text)
	}

	text = callTool(t, srv, "talkpdf_accounts", `{}`).Content[0].Text
	if !strings.Contains(text, "alice") {
		t.Errorf("expected alice in accounts, got: %s", text)
	}
}

func TestToolCallStorageHistory(t *testing.T) {
	ledger, _ := setup(t)
	ctx := context.Background()
	if _, err := ledger.RecordStorageUsage(ctx, "alice", 2<<20, models.OpFileUpload,
		models.StorageMeta{FileID: "f1", Filename: "report.pdf"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.RecordStorageUsage(ctx, "alice", 2<<20, models.OpFileDelete,
		models.StorageMeta{FileID: "f1", Filename: "report.pdf"}); err != nil {
		t.Fatal(err)
	}
	srv := New(ledger, nil, nil, "test")

	text := callTool(t, srv, "talkpdf_storage_history", `{"user_id":"alice"}`).Content[0].Text
	if !strings.Contains(text, "report.pdf") || !strings.Contains(text, "-2.0 MiB") {
		t.Errorf("unexpected storage output: %s", text)
	}
}

func TestToolCallConversations(t *testing.T) {
	ledger, convs := setup(t)
	ctx := context.Background()
	c, err := convs.Create(ctx, "alice", "Tax questions")
	if err != nil {
		t.Fatal(err)
	}
	_, err = convs.AddMessages(ctx, c.ID, []models.Message{
		{Role: models.RoleUser, Parts: models.Parts{models.TextPart{Text: "What is deductible?"}}},
		{Role: models.RoleAssistant, Parts: models.Parts{models.TextPart{Text: "Home office costs."}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := New(ledger, convs, nil, "test")

	text := callTool(t, srv, "talkpdf_conversations", `{"user_id":"alice"}`).Content[0].Text
	if !strings.Contains(text, "Tax questions") {
		t.Errorf("expected title in output, got: %s", text)
	}

	text = callTool(t, srv, "talkpdf_conversation",
		`{"user_id":"alice","conversation_id":"`+c.ID+`"}`).Content[0].Text
	if !strings.Contains(text, "Home office costs.") {
		t.Errorf("expected transcript, got: %s", text)
	}

	res := callTool(t, srv, "talkpdf_conversation", `{"user_id":"bob","conversation_id":"`+c.ID+`"}`)
	if !res.IsError {
		t.Error("expected isError for another user's conversation")
	}
}

func TestToolCallMissingUser(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")

	for _, name := range []string{"talkpdf_usage", "talkpdf_token_history", "talkpdf_storage_history"} {
		if res := callTool(t, srv, name, `{}`); !res.IsError {
			t.Errorf("%s: expected isError=true for missing user_id", name)
		}
	}
}

func TestToolCallNotConfigured(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")

	for _, name := range []string{"talkpdf_cache_stats", "talkpdf_conversations"} {
		text := callTool(t, srv, name, `{"user_id":"alice"}`).Content[0].Text
		if !strings.Contains(text, "not configured") {
			t.Errorf("%s: expected 'not configured', got: %s", name, text)
		}
	}
}

func TestToolCallCacheStats(t *testing.T) {
	ledger, _ := setup(t)
	cache := &fakeCache{stats: embedding.CacheStats{Entries: 42, Hits: 10, Misses: 5}}
	srv := New(ledger, nil, cache, "test")

	text := callTool(t, srv, "talkpdf_cache_stats", `{}`).Content[0].Text
	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestUnknownTool(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")
	if res := callTool(t, srv, "talkpdf_unknown", `{}`); !res.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestParseError(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")

	var out bytes.Buffer
	if err := srv.Run(context.Background(), strings.NewReader("{not json\n"), &out); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", resp)
	}
}

func TestPing(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`5`),
		Method:  "ping",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
}

func TestWrongJSONRPCVersion(t *testing.T) {
	ledger, _ := setup(t)
	srv := New(ledger, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "1.0",
		ID:      json.RawMessage(`6`),
		Method:  "tools/list",
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %+v", resp)
	}
}

func TestShortenKeepsRunesWhole(t *testing.T) {
	got := shorten(strings.Repeat("日本語", 10), 8)
	if got != "日本語日本..." {
		t.Errorf("shorten = %q", got)
	}
	if got := shorten("short", 8); got != "short" {
		t.Errorf("shorten = %q, want unchanged", got)
	}
}
