package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/talkpdf/pkg/billing"
	"github.com/pario-ai/talkpdf/pkg/completion"
	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/indexing"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/observability"
	"github.com/pario-ai/talkpdf/pkg/orchestrator"
	"github.com/pario-ai/talkpdf/pkg/quota"
	"github.com/pario-ai/talkpdf/pkg/rag"
	"github.com/pario-ai/talkpdf/pkg/tokens"
	"github.com/pario-ai/talkpdf/pkg/vectorstore"
)

const (
	aliceToken = "tok-alice"
	bobToken   = "tok-bob"
	secret     = "whsec"
)

type replay struct {
	events []completion.Event
	usage  models.Usage
}

func (r *replay) Next(context.Context) (completion.Event, error) {
	if len(r.events) == 0 {
		return completion.Event{}, io.EOF
	}
	ev := r.events[0]
	r.events = r.events[1:]
	return ev, nil
}

func (r *replay) Usage() models.Usage { return r.usage }
func (r *replay) Close() error        { return nil }

type replayStreamer struct{}

func (replayStreamer) Stream(ctx context.Context, _ completion.Request) (*completion.Stream, error) {
	return completion.NewStream(ctx, &replay{
		events: []completion.Event{
			{Type: completion.EventText, Text: "Hello "},
			{Type: completion.EventText, Text: "world"},
		},
		usage: models.Usage{PromptTokens: 90, CompletionTokens: 10, TotalTokens: 100},
	}), nil
}

// hashGateway embeds every text as the same unit vector.
type hashGateway struct{}

func (hashGateway) Embed(context.Context, string) (embedding.Result, error) {
	return embedding.Result{Vector: []float32{1, 0, 0}, TokensCost: 2}, nil
}

func (hashGateway) EmbedBatch(_ context.Context, texts []string) (embedding.BatchResult, error) {
	out := embedding.BatchResult{}
	for range texts {
		out.Vectors = append(out.Vectors, []float32{1, 0, 0})
		out.TokensCost += 2
	}
	return out, nil
}

type env struct {
	srv    *Server
	ledger *quota.Ledger
	convs  *conversation.SQLiteStore
	index  *vectorstore.MemoryIndex
	rec    *orchestrator.Reconciler
}

func setup(t *testing.T) *env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talkpdf.db")
	bs, err := billing.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	cs, err := conversation.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	ledger := quota.New(bs)
	index := vectorstore.NewMemory()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	rec := orchestrator.NewReconciler(ledger, orchestrator.ReconcilerConfig{}, metrics)
	t.Cleanup(rec.Close)

	orch := orchestrator.New(orchestrator.Deps{
		Ledger:        ledger,
		Conversations: cs,
		Embedder:      hashGateway{},
		Retriever:     rag.NewRetriever(index),
		Assembler:     rag.NewAssembler(8000, 10),
		Streamer:      replayStreamer{},
		Reconciler:    rec,
		Metrics:       metrics,
	}, orchestrator.Config{StreamTimeout: 5 * time.Second})

	srv := New(Options{
		Auth:          StaticTokens{aliceToken: "alice", bobToken: "bob"},
		Orchestrator:  orch,
		Ledger:        ledger,
		Conversations: cs,
		Indexer:       indexing.New(hashGateway{}, index, ledger, tokens.Heuristic(), 100, 10),
		Verifier:      HMACVerifier{Secret: []byte(secret)},
		Gatherer:      reg,
	})
	return &env{srv: srv, ledger: ledger, convs: cs, index: index, rec: rec}
}

func (e *env) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func chatBody(convID, text string) map[string]any {
	return map[string]any{
		"conversationId": convID,
		"messages": []map[string]any{{
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": text}},
		}},
	}
}

func TestHealthz(t *testing.T) {
	e := setup(t)
	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequiresAuth(t *testing.T) {
	e := setup(t)
	for _, tok := range []string{"", "wrong"} {
		rec := e.do(t, http.MethodGet, "/api/billing/usage", tok, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestChatStreamsEvents(t *testing.T) {
	e := setup(t)
	conv, err := e.convs.Create(context.Background(), "alice", "")
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/chat", aliceToken, chatBody(conv.ID, "Hi"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "text", events[0].name)
	assert.Contains(t, events[0].data, `"text":"Hello "`)
	assert.Equal(t, "text", events[1].name)
	assert.Equal(t, "finish", events[2].name)
	assert.Contains(t, events[2].data, `"total_tokens":100`)

	e.rec.Close()
	acct, err := e.ledger.EnsureAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(102), acct.TokensUsed)

	detail := e.do(t, http.MethodGet, "/api/conversations/"+conv.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, detail.Code)
	assert.Len(t, decode(t, detail)["messages"], 2)
}

func TestChatQuotaExceeded(t *testing.T) {
	e := setup(t)
	conv, err := e.convs.Create(context.Background(), "alice", "")
	require.NoError(t, err)
	_, err = e.ledger.RecordTokenUsage(context.Background(), "alice", 4990, models.OpChatMessage, models.UsageMeta{})
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/chat", aliceToken, chatBody(conv.ID, "Hi"))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, "tokens", body["limitType"])
	assert.Equal(t, float64(10), body["available"])
	assert.Equal(t, float64(4990), body["currentUsage"])
	assert.Equal(t, float64(5000), body["limit"])
	assert.Equal(t, "upgrade", body["actionRequired"])
	assert.Equal(t, body["needed"].(float64)-10, body["shortage"])
	assert.Contains(t, body["message"], "4,990")
}

func TestChatInvalidRequests(t *testing.T) {
	e := setup(t)
	rec := e.do(t, http.MethodPost, "/api/chat", aliceToken, map[string]any{"conversationId": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/chat", aliceToken, chatBody("missing", "Hi"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode(t, rec)["error"])
}

func TestBillingUsage(t *testing.T) {
	e := setup(t)
	_, err := e.ledger.RecordTokenUsage(context.Background(), "alice", 4500, models.OpChatMessage, models.UsageMeta{})
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/api/billing/usage", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(500), body["tokensRemaining"])
	assert.Equal(t, true, body["approachingTokenLimit"])
	assert.Equal(t, "alice", body["account"].(map[string]any)["userId"])
}

func TestUsageHistory(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	for range 3 {
		_, err := e.ledger.RecordTokenUsage(ctx, "alice", 10, models.OpChatMessage, models.UsageMeta{})
		require.NoError(t, err)
	}

	rec := e.do(t, http.MethodGet, "/api/usage?type=tokens&limit=2", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["transactions"], 2)

	rec = e.do(t, http.MethodGet, "/api/usage?type=bogus", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFileUploadAndDelete(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/files", aliceToken,
		map[string]any{"fileId": "f1", "filename": "a.pdf", "sizeBytes": 1 << 20})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1<<20), decode(t, rec)["storageUsed"])

	rec = e.do(t, http.MethodPost, "/api/files", aliceToken,
		map[string]any{"fileId": "f2", "filename": "big.pdf", "sizeBytes": quota.FreeStorageLimit})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "storage", body["limitType"])
	assert.Equal(t, float64(1<<20), body["shortage"])

	rec = e.do(t, http.MethodDelete, "/api/files/f1?size=1048576&filename=a.pdf", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["storageUsed"])

	rec = e.do(t, http.MethodDelete, "/api/files/f1?size=-1", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexDocuments(t *testing.T) {
	e := setup(t)
	text := strings.Repeat("Quarterly revenue grew across all regions. ", 10)

	rec := e.do(t, http.MethodPost, "/api/index", aliceToken, map[string]any{
		"conversationId": "c1",
		"files":          []map[string]any{{"fileId": "f1", "name": "q3.pdf", "text": text}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Greater(t, decode(t, rec)["totalChunks"], float64(1))
	assert.Positive(t, e.index.Len(vectorstore.Namespace("alice")))

	rec = e.do(t, http.MethodPost, "/api/index", aliceToken, map[string]any{"files": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversations(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/api/conversations", aliceToken, map[string]any{"title": "Taxes"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode(t, rec)["id"].(string)

	rec = e.do(t, http.MethodGet, "/api/conversations", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["conversations"], 1)

	rec = e.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	assert.Empty(t, decode(t, rec)["conversations"])

	rec = e.do(t, http.MethodGet, "/api/conversations/"+id, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/conversations/"+id+"/title", aliceToken,
		map[string]any{"fileNames": []string{"Annual Report.PDF"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Annual Report", body["title"])
	assert.Equal(t, false, body["generated"])
}

func signedWebhook(t *testing.T, e *env, payload any, sig string) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	if sig == "" {
		sig = HMACVerifier{Secret: []byte(secret)}.Sign(b)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(b))
	req.Header.Set(SignatureHeader, sig)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func order(event, userID, tokens, storageMB string) map[string]any {
	return map[string]any{
		"meta": map[string]any{"event_name": event},
		"data": map[string]any{
			"id": "ord_1",
			"attributes": map[string]any{
				"custom_data": map[string]any{"user_id": userID, "tokens": tokens, "storage_mb": storageMB},
			},
		},
	}
}

func TestPaymentWebhook(t *testing.T) {
	e := setup(t)

	rec := signedWebhook(t, e, order("order_created", "alice", "10000", "100"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	upgraded := decode(t, rec)["upgraded"].(map[string]any)
	assert.Equal(t, float64(10000), upgraded["tokens"])

	acct, err := e.ledger.EnsureAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, quota.FreeTokenLimit+10000, acct.TokensLimit)
	assert.Equal(t, quota.FreeStorageLimit+100<<20, acct.StorageLimit)
	assert.Equal(t, models.SubscriptionPaid, acct.SubscriptionType)
}

func TestPaymentWebhookRejects(t *testing.T) {
	e := setup(t)

	rec := signedWebhook(t, e, order("order_created", "alice", "10000", "0"), "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = signedWebhook(t, e, order("order_created", "", "10000", "0"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = signedWebhook(t, e, order("order_created", "alice", "5", "0"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "below minimum upgrade")

	// 2^44 MiB wraps to 0 bytes when shifted.
	rec = signedWebhook(t, e, order("order_created", "alice", "10000", "17592186044416"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "storage overflow")

	rec = signedWebhook(t, e, order("subscription_created", "alice", "10000", "0"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event ignored", decode(t, rec)["message"])

	acct, err := e.ledger.EnsureAccount(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, quota.FreeTokenLimit, acct.TokensLimit)
	assert.Equal(t, quota.FreeStorageLimit, acct.StorageLimit)
}

func TestUpgradeRequestStorageBounds(t *testing.T) {
	req, err := customData{UserID: "alice", Tokens: "10000", StorageMB: "10240"}.upgradeRequest()
	require.NoError(t, err)
	assert.Equal(t, quota.MaxUpgradeStorage, req.StorageToAdd)

	_, err = customData{UserID: "alice", Tokens: "10000", StorageMB: "10241"}.upgradeRequest()
	assert.ErrorIs(t, err, quota.ErrInvalidUpgrade)
}

func TestMetricsEndpoint(t *testing.T) {
	e := setup(t)
	conv, err := e.convs.Create(context.Background(), "alice", "")
	require.NoError(t, err)
	e.do(t, http.MethodPost, "/api/chat", aliceToken, chatBody(conv.ID, "Hi"))

	rec := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `talkpdf_turns_total{outcome="finished"} 1`)
}
