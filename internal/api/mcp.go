package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/imagebank/internal/imagebank"
	"github.com/kalambet/imagebank/internal/media"
	"github.com/kalambet/imagebank/internal/review"
)

// NewMCPServer creates an MCP server exposing image search, plan execution
// and review tools over the same dependencies as the HTTP API.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"imagebank",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("imagebank: semantic stock-photo search backed by a reviewed local image bank."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_images",
			mcp.WithDescription("Find stock photos for a free-text query. Confident bank matches are returned first; otherwise a provider is searched."),
			mcp.WithString("query", mcp.Description("What the image should show"), mcp.Required()),
			mcp.WithString("provider", mcp.Description("Provider to fall back to: unsplash, pexels or getty")),
			mcp.WithString("orientation", mcp.Description("horizontal, vertical or square")),
			mcp.WithNumber("count", mcp.Description("Number of images (default 10)")),
		),
		mcpSearchImages(deps),
	)

	s.AddTool(
		mcp.NewTool("execute_plan",
			mcp.WithDescription("Resolve images for several page blocks at once. No image is used twice across blocks."),
			mcp.WithString("items", mcp.Description("JSON array of {blockId, searchQuery, orientation, count, placement, category}"), mcp.Required()),
		),
		mcpExecutePlan(deps),
	)

	s.AddTool(
		mcp.NewTool("rate_image",
			mcp.WithDescription("Record how accurately a bank entry's metadata describes its image. Rating wrong flags the entry."),
			mcp.WithString("id", mcp.Description("Bank entry id, provider:providerId"), mcp.Required()),
			mcp.WithString("accuracy", mcp.Description("accurate, partial or wrong"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Optional status override: pending, approved or flagged")),
			mcp.WithString("notes", mcp.Description("Optional reviewer notes")),
		),
		mcpRateImage(deps),
	)

	s.AddTool(
		mcp.NewTool("bank_stats",
			mcp.WithDescription("Summarize the image bank: entry counts by provider and review status."),
		),
		mcpBankStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"bank://stats",
			"Image Bank Stats",
			mcp.WithResourceDescription("Current image bank statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearchImages(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		sr := SearchRequest{
			Query:       query,
			Provider:    req.GetString("provider", ""),
			Orientation: req.GetString("orientation", ""),
			Count:       req.GetInt("count", 0),
		}
		opts, err := sr.options(deps.DefaultProvider)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		images, err := deps.Media.Search(ctx, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("image search failed: %v", err)), nil
		}
		if images == nil {
			images = []media.Image{}
		}
		return mcpJSON(images)
	}
}

func mcpExecutePlan(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("items")
		if err != nil {
			return mcpError("items is required"), nil
		}
		var items []media.PlanItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return mcpError(fmt.Sprintf("invalid items JSON: %v", err)), nil
		}
		if err := validatePlan(items); err != nil {
			return mcpError(err.Error()), nil
		}

		selections := deps.Media.ExecutePlan(ctx, items)
		if selections == nil {
			selections = []media.ImageSelection{}
		}
		return mcpJSON(selections)
	}
}

func mcpRateImage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		acc, err := req.RequireString("accuracy")
		if err != nil {
			return mcpError("accuracy is required"), nil
		}
		a := imagebank.Accuracy(acc)
		rt := review.Rating{Accuracy: &a}
		if s := req.GetString("status", ""); s != "" {
			st := imagebank.Status(s)
			rt.Status = &st
		}
		if n := req.GetString("notes", ""); n != "" {
			rt.Notes = &n
		}

		e, err := deps.Review.Rate(ctx, id, rt)
		if errors.Is(err, imagebank.ErrNotFound) {
			return mcpError(fmt.Sprintf("no bank entry %s", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("rating failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Rated %s %s, status %s", e.ID, acc, e.ReviewStatus())), nil
	}
}

func mcpBankStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Bank.Stats())
	}
}

func mcpResourceStats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Bank.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
