package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/pipeline"
	"github.com/docmill/docmill/internal/storage"
)

// NewMCPServer creates an MCP server exposing the pipeline and catalog
// as tools for agent use.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"docmill",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docmill — local pipeline that structures and categorizes large documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("process_document",
			mcp.WithDescription("Run the document pipeline over a local file and return the document-level analysis."),
			mcp.WithString("path", mcp.Description("Path to the document file"), mcp.Required()),
			mcp.WithString("to_stage", mcp.Description("Stop after this stage (extract, classify, segment, enhance, generate)")),
		),
		mcpProcessDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Return the stored document-level analysis for a content fingerprint."),
			mcp.WithString("fingerprint", mcp.Description("Content fingerprint of a processed document"), mcp.Required()),
		),
		mcpGetAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List processed documents, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpListDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docmill://recent",
			"Recent Documents",
			mcp.WithResourceDescription("Last 10 processed documents (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpProcessDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}

		opts := pipeline.Options{}
		if toStage := req.GetString("to_stage", ""); toStage != "" {
			stage, err := pipeline.ParseStage(toStage)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			opts.ToStage = stage
		}

		res, err := deps.Processor.Process(ctx, path, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("processing failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetAnalysis(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fp, err := req.RequireString("fingerprint")
		if err != nil {
			return mcpError("fingerprint is required"), nil
		}

		art, err := deps.Cache.Load(string(pipeline.StageGenerate), fp)
		if errors.Is(err, cache.ErrNotFound) {
			return mcpError("no analysis stored for fingerprint; run process_document first"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load analysis: %v", err)), nil
		}
		return mcpText(string(art.Payload)), nil
	}
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		b, err := json.Marshal(docs)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal documents: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}

		type docSummary struct {
			Fingerprint string  `json:"fingerprint"`
			Title       string  `json:"title"`
			Category    string  `json:"category"`
			Confidence  float64 `json:"confidence"`
			ProcessedAt string  `json:"processed_at"`
		}

		summaries := make([]docSummary, len(docs))
		for i, d := range docs {
			summaries[i] = docSummary{
				Fingerprint: d.Fingerprint,
				Title:       d.Title,
				Category:    d.Category,
				Confidence:  d.Confidence,
				ProcessedAt: d.ProcessedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
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
