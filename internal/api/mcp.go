package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jansetu/jansetu/internal/content"
	"github.com/jansetu/jansetu/internal/retrieval"
)

// NewMCPServer creates an MCP server exposing search and recommendation
// tools for assistant frontends, plus content items as resources.
func NewMCPServer(deps AppDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"jansetu",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("jansetu — local discovery service for government schemes, jobs, trainings, and educational resources."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_schemes",
			mcp.WithDescription("Search the local content base for schemes, jobs, trainings, and educational resources relevant to a query."),
			mcp.WithString("query", mcp.Description("Search text in the user's language"), mcp.Required()),
			mcp.WithString("language", mcp.Description("Language code of the query (e.g. hi, en)"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Optional user id for regional and demographic filtering")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("recommend_for_profile",
			mcp.WithDescription("Return proactive recommendations for a user based on their stored profile."),
			mcp.WithString("user_id", mcp.Description("User id with a stored profile"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of recommendations (default 5)")),
		),
		mcpRecommend(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"content://{id}",
			"Content Item",
			mcp.WithResourceDescription("A content item by id, full record as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceContent(deps),
	)

	return s
}

func mcpSearch(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		language, err := req.RequireString("language")
		if err != nil {
			return mcpError("language is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		var user *content.UserProfile
		if userID := req.GetString("user_id", ""); userID != "" {
			p, perr := deps.Profiles.Get(userID)
			if perr != nil && !errors.Is(perr, content.ErrNotFound) {
				return mcpError(fmt.Sprintf("loading profile: %v", perr)), nil
			}
			if perr == nil {
				user = &p
			}
		}

		q := content.Query{Text: query, Language: language, IssuedAt: time.Now().UTC()}
		results, reason, err := deps.Retrieval.Search(ctx, q, user, retrieval.Options{Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText(fmt.Sprintf(`{"results":[],"reason":%q}`, reason)), nil
		}

		b, err := json.Marshal(map[string]any{"results": results, "reason": reason})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecommend(deps AppDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		prof, err := deps.Profiles.Get(userID)
		if errors.Is(err, content.ErrNotFound) {
			return mcpError(fmt.Sprintf("no profile for user %s", userID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading profile: %v", err)), nil
		}

		recs, err := deps.Recommend.Recommend(ctx, prof, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
		}

		b, err := json.Marshal(recs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal recommendations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceContent(deps AppDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id := strings.TrimPrefix(req.Params.URI, "content://")
		if id == "" || id == req.Params.URI {
			return nil, fmt.Errorf("invalid content URI %q", req.Params.URI)
		}

		item, err := deps.Store.GetItem(id)
		if errors.Is(err, content.ErrNotFound) {
			return nil, fmt.Errorf("content %s not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading content %s: %w", id, err)
		}

		b, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshalling content %s: %w", id, err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
