package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/gemi/internal/recovery"
)

// NewMCPServer creates an MCP server exposing the model lifecycle and a
// single-turn ask tool.
func NewMCPServer(e Engine, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"gemi",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gemi: a local multimodal model. Check model_status before asking; if the model is not ready, start_download or follow recovery_options."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("model_status",
			mcp.WithDescription("Report whether the local model is ready, the download progress, and the last failure."),
		),
		mcpModelStatus(e),
	)

	s.AddTool(
		mcp.NewTool("start_download",
			mcp.WithDescription("Start downloading the model bundle, or join a download already in progress. Returns immediately."),
		),
		mcpStartDownload(e),
	)

	s.AddTool(
		mcp.NewTool("clear_model_cache",
			mcp.WithDescription("Delete the downloaded model files. The next download starts from scratch."),
		),
		mcpClearCache(e),
	)

	s.AddTool(
		mcp.NewTool("recovery_options",
			mcp.WithDescription("List remedies for the current failure, or run one by passing action."),
			mcp.WithString("action", mcp.Description("Remedy to run, e.g. retry or add_credential")),
			mcp.WithString("input", mcp.Description("Input for remedies that need one, such as an access token")),
		),
		mcpRecoveryOptions(e),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Send one prompt to the local model and return the full reply."),
			mcp.WithString("prompt", mcp.Description("The user prompt"), mcp.Required()),
			mcp.WithString("system", mcp.Description("Optional system prompt")),
			mcp.WithArray("images", mcp.Description("Optional base64-encoded images"), mcp.WithStringItems()),
		),
		mcpAsk(e),
	)

	s.AddResource(
		mcp.NewResource(
			"gemi://status",
			"Model Status",
			mcp.WithResourceDescription("Readiness and download state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(e),
	)

	return s
}

func mcpModelStatus(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(newStatusResponse(e.Status(ctx)))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStartDownload(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, err := e.StartDownload(ctx); err != nil {
			return mcpFailure(e.Report(err).Message, err), nil
		}
		states, unsubscribe := e.Subscribe()
		defer unsubscribe()
		return mcpText(fmt.Sprintf("Download %s", newDownloadState(<-states).Phase)), nil
	}
}

func mcpClearCache(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := e.ClearCache(ctx); err != nil {
			return mcpFailure(e.Report(err).Message, err), nil
		}
		return mcpText("Model cache cleared"), nil
	}
}

func mcpRecoveryOptions(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if action := req.GetString("action", ""); action != "" {
			if err := e.Recover(ctx, recovery.Action(action), req.GetString("input", "")); err != nil {
				return mcpError(fmt.Sprintf("%s failed: %v", action, err)), nil
			}
			return mcpText(fmt.Sprintf("Ran %s", action)), nil
		}

		resp := RecoveryResponse{Options: e.Remedies()}
		if f, ok := e.Failure(); ok {
			resp.Failure = newFailureInfo(f)
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal options: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(e Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		system := req.GetString("system", "")
		images := req.GetStringSlice("images", nil)

		reply, err := e.Ask(ctx, prompt, system, images)
		if err != nil {
			return mcpFailure(e.Describe(err).Message, err), nil
		}
		return mcpText(reply), nil
	}
}

func mcpResourceStatus(e Engine) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(newStatusResponse(e.Status(ctx)))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
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

// mcpFailure pairs the user-facing message with the underlying error and a
// pointer to the remedies.
func mcpFailure(message string, err error) *mcp.CallToolResult {
	return mcpError(fmt.Sprintf("%s\n%v\nCall recovery_options for remedies.", message, err))
}
