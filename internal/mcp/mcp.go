// Package mcp exposes the citation service over the Model Context Protocol,
// so MCP-compatible agents can search the corpus and ask grounded questions
// through the same verified pipeline as the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/retrieval"
	"github.com/caselaw-ai/shepard/internal/service/answer"
)

// AnswerService answers questions end to end.
type AnswerService interface {
	Ask(ctx context.Context, in answer.Input) (answer.Output, error)
}

// SearchService serves advanced search over the opinion corpus.
type SearchService interface {
	AdvancedSearch(ctx context.Context, q retrieval.AdvancedQuery) (retrieval.AdvancedPage, error)
}

// Server wraps the MCP server with the citation service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	answer    AnswerService
	search    SearchService
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(answerSvc AnswerService, searchSvc SearchService, version string, logger *slog.Logger) *Server {
	s := &Server{
		answer: answerSvc,
		search: searchSvc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shepard",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// shepard_search — lexical search over Federal Circuit and SCOTUS
	// patent opinions.
	s.mcpServer.AddTool(
		mcplib.NewTool("shepard_search",
			mcplib.WithDescription(`Search Federal Circuit and Supreme Court patent opinions.

WHEN TO USE: to locate opinions by terms, party names, or judge before
asking a full question. Results carry opinion ids and page-level snippets
you can cite in follow-up questions.

WHAT YOU GET BACK:
- results: ranked opinion pages with case name, court, date, and snippet
- next_cursor: pass it back to fetch the next page of results`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Search terms, e.g. 'abstract idea generic computer' or a party name"),
				mcplib.Required(),
			),
			mcplib.WithString("author",
				mcplib.Description("Optional: filter by authoring judge's last name"),
			),
			mcplib.WithString("forum",
				mcplib.Description("Optional: filter by forum (SCOTUS, CAFC, PTAB)"),
			),
			mcplib.WithString("cursor",
				mcplib.Description("Optional: next_cursor from a previous call to page further"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleSearch,
	)

	// shepard_ask — grounded question answering with verified citations.
	s.mcpServer.AddTool(
		mcplib.NewTool("shepard_ask",
			mcplib.WithDescription(`Ask a patent-law question and get an answer grounded in court opinions.

Every citation in the answer has been verified against the corpus: the
quoted text was checked on the exact page of the exact opinion it is
attributed to. Citations that failed verification are excluded from the
answer text.

WHAT YOU GET BACK:
- answer: prose with [S1], [S2] citation tags
- sources: per-tag case name, page, exact quote, and confidence tier
  (strong / moderate / weak / unverified)
- citation_summary: verification counts for the answer

If the corpus holds nothing supporting an answer, you get the literal
string "NOT FOUND IN PROVIDED OPINIONS." — treat that as a definitive
negative, not an invitation to guess.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("question",
				mcplib.Description("The legal question, e.g. 'When does claim preamble language limit claim scope?'"),
				mcplib.Required(),
			),
		),
		s.handleAsk,
	)
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	page, err := s.search.AdvancedSearch(ctx, retrieval.AdvancedQuery{
		Query:  query,
		Author: request.GetString("author", ""),
		Forum:  model.Court(request.GetString("forum", "")),
		Cursor: request.GetString("cursor", ""),
		Limit:  request.GetInt("limit", 10),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal search results: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	question := request.GetString("question", "")
	if question == "" {
		return errorResult("question is required"), nil
	}

	out, err := s.answer.Ask(ctx, answer.Input{Query: question})
	if err != nil {
		s.logger.Warn("mcp: ask failed", "error", err)
		return errorResult(fmt.Sprintf("ask failed: %v", err)), nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"run_id":           out.RunID,
		"answer":           out.Answer,
		"sources":          out.Sources,
		"citation_summary": out.Summary,
		"fallback":         out.Fallback,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal answer: %w", err)
	}
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
