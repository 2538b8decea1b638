// Package mcpserver exposes the chat pipeline as MCP tools over stdio so
// assistants that speak the Model Context Protocol can query platform data
// as a fixed principal.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/datagate/internal/chat"
	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/memory"
	"github.com/jkaninda/datagate/internal/security"
)

// Surface is the session surface used for every MCP conversation.
const Surface = "mcp"

// Tool names.
const (
	ToolAskData      = "ask_data"
	ToolSessionStats = "session_stats"
	ToolClearSession = "clear_session"
)

// ChatService is the pipeline the MCP tools call into.
type ChatService interface {
	Handle(ctx context.Context, principal domain.Principal, surface string, req chat.Request) (*chat.Response, error)
	Stats(ctx context.Context, principal domain.Principal, surface string) (memory.Stats, error)
	Clear(ctx context.Context, principal domain.Principal, surface string) error
}

// Server serves the datagate tools for one principal.
type Server struct {
	chat      ChatService
	principal domain.Principal
	logger    *slog.Logger
	mcp       *server.MCPServer
}

// New registers the tools. The principal must carry an ID and a known role.
func New(svc ChatService, principal domain.Principal, version string, logger *slog.Logger) (*Server, error) {
	if !principal.Resolved() {
		return nil, fmt.Errorf("mcp principal needs an id")
	}
	if !principal.Role.Known() {
		return nil, fmt.Errorf("mcp principal role %q is not one of ADMIN, ORGANIZER, PARTICIPANT", principal.Role)
	}

	s := &Server{
		chat:      svc,
		principal: principal,
		logger:    logger.With(slog.String("surface", Surface), slog.String("user_id", principal.ID)),
		mcp:       server.NewMCPServer("datagate", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool(ToolAskData,
		mcp.WithDescription("Ask a question about hackathons, teams, submissions, registrations or users. "+
			"Answers are limited to the data the configured role may see."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question in plain language")),
	), s.handleAsk)

	s.mcp.AddTool(mcp.NewTool(ToolSessionStats,
		mcp.WithDescription("Show how much conversation history is held for this session."),
	), s.handleStats)

	s.mcp.AddTool(mcp.NewTool(ToolClearSession,
		mcp.WithDescription("Forget the conversation history for this session."),
	), s.handleClear)

	return s, nil
}

// Serve speaks MCP over in/out until ctx is canceled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.InfoContext(ctx, "mcp server listening on stdio", slog.String("role", string(s.principal.Role)))
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.chat.Handle(ctx, s.principal, Surface, chat.Request{Message: question})
	if err != nil {
		s.logger.ErrorContext(ctx, "ask_data failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError(describeError(err)), nil
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.chat.Stats(ctx, s.principal, Surface)
	if err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("encoding stats: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleClear(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.chat.Clear(ctx, s.principal, Surface); err != nil {
		return mcp.NewToolResultError(describeError(err)), nil
	}
	return mcp.NewToolResultText("session cleared"), nil
}

func describeError(err error) string {
	switch {
	case errors.Is(err, security.ErrUnauthenticated):
		return "authentication required"
	case chat.Retryable(err):
		return "the assistant is temporarily unavailable, please try again"
	default:
		return "internal error"
	}
}
