// Package mcp serves read-only operator tools over the Model Context Protocol
// on stdio: account usage, transaction history, conversations and the
// embedding cache.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/models"
)

// Ledger is the read side of the quota ledger.
type Ledger interface {
	Accounts(ctx context.Context) ([]models.BillingAccount, error)
	EnsureAccount(ctx context.Context, userID string) (*models.BillingAccount, error)
	TokenHistory(ctx context.Context, userID string, limit, offset int) ([]models.TokenTransaction, error)
	StorageHistory(ctx context.Context, userID string, limit, offset int) ([]models.StorageTransaction, error)
}

// Conversations is the read side of the conversation store.
type Conversations interface {
	ListByUser(ctx context.Context, userID string) ([]models.Conversation, error)
	Get(ctx context.Context, userID, id string) (*models.ConversationDetail, error)
}

// CacheStatter provides embedding cache statistics.
type CacheStatter interface {
	Stats() (embedding.CacheStats, error)
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	ledger  Ledger
	convs   Conversations
	cache   CacheStatter
	version string
}

// New creates an MCP Server. convs and cache may be nil.
func New(ledger Ledger, convs Conversations, cache CacheStatter, version string) *Server {
	return &Server{
		ledger:  ledger,
		convs:   convs,
		cache:   cache,
		version: version,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: jsonRPCVersion,
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.writeResponse(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != jsonRPCVersion {
		return s.fail(req, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	switch req.Method {
	case "initialize":
		return s.reply(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "talkpdf", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return s.reply(req, struct{}{})
	case "tools/list":
		return s.reply(req, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return s.fail(req, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.fail(req, CodeInvalidParams, "invalid params")
	}
	handler, ok := toolHandlers[params.Name]
	if !ok {
		return s.reply(req, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	return s.reply(req, handler(ctx, s, params.Arguments))
}

func (s *Server) reply(req *Request, result any) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}
}

func (s *Server) fail(req *Request, code int, msg string) *Response {
	return &Response{JSONRPC: jsonRPCVersion, ID: req.ID, Error: &RPCError{Code: code, Message: msg}}
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("mcp: marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("mcp: write response")
	}
}
