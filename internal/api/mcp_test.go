package api

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/gemi/internal/download"
	"github.com/kalambet/gemi/internal/engine"
	"github.com/kalambet/gemi/internal/fault"
	"github.com/kalambet/gemi/internal/recovery"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "no content in result")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(newFakeEngine(), "test"))
}

func TestMCPModelStatus(t *testing.T) {
	e := newFakeEngine()
	e.status = engine.Status{Ready: true, Model: "acme/tiny", Download: download.State{Phase: download.Completed, Progress: 1}}

	result, err := mcpModelStatus(e)(context.Background(), makeCallToolRequest("model_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var st StatusResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &st))
	assert.True(t, st.Ready)
	assert.Equal(t, "completed", st.Download.Phase)
}

func TestMCPStartDownload(t *testing.T) {
	e := newFakeEngine()
	result, _ := mcpStartDownload(e)(context.Background(), makeCallToolRequest("start_download", nil))
	assert.False(t, result.IsError)
	assert.Equal(t, "Download downloading", toolText(t, result))

	e.startErr = &fault.Error{Kind: fault.AuthRequired, Code: 401}
	result, _ = mcpStartDownload(e)(context.Background(), makeCallToolRequest("start_download", nil))
	require.True(t, result.IsError, "expected tool error")
	assert.Contains(t, toolText(t, result), "access token", "want user-facing auth message")
}

func TestMCPClearCache(t *testing.T) {
	e := newFakeEngine()
	result, _ := mcpClearCache(e)(context.Background(), makeCallToolRequest("clear_model_cache", nil))
	require.False(t, result.IsError, toolText(t, result))

	e.clearErr = errors.New("busy")
	result, _ = mcpClearCache(e)(context.Background(), makeCallToolRequest("clear_model_cache", nil))
	assert.True(t, result.IsError, "expected tool error")
}

func TestMCPRecoveryOptions_List(t *testing.T) {
	e := newFakeEngine()
	e.failure = &fault.Error{Kind: fault.Network, Err: errors.New("connection reset")}

	result, _ := mcpRecoveryOptions(e)(context.Background(), makeCallToolRequest("recovery_options", nil))
	var resp RecoveryResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	require.NotNil(t, resp.Failure)
	assert.Equal(t, "network", resp.Failure.Kind)
	require.NotEmpty(t, resp.Options)
	assert.Equal(t, recovery.CheckConnectivity, resp.Options[0].Action)
}

func TestMCPRecoveryOptions_Run(t *testing.T) {
	e := newFakeEngine()
	var ran recovery.Action
	var input string
	e.recoverFn = func(a recovery.Action, in string) error {
		ran, input = a, in
		if a == recovery.Retry {
			return errors.New("still down")
		}
		return nil
	}

	result, _ := mcpRecoveryOptions(e)(context.Background(), makeCallToolRequest("recovery_options", map[string]any{
		"action": "add_credential",
		"input":  "hf_tok",
	}))
	assert.False(t, result.IsError, toolText(t, result))
	assert.Equal(t, recovery.AddCredential, ran)
	assert.Equal(t, "hf_tok", input)

	result, _ = mcpRecoveryOptions(e)(context.Background(), makeCallToolRequest("recovery_options", map[string]any{"action": "retry"}))
	assert.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "still down")
}

func TestMCPAsk(t *testing.T) {
	e := newFakeEngine()
	e.askReply = "echo: "

	result, _ := mcpAsk(e)(context.Background(), makeCallToolRequest("ask", map[string]any{
		"prompt": "hello",
		"images": []any{"aGk="},
	}))
	assert.False(t, result.IsError)
	assert.Equal(t, "echo: hello", toolText(t, result))

	result, _ = mcpAsk(e)(context.Background(), makeCallToolRequest("ask", map[string]any{}))
	assert.True(t, result.IsError, "missing prompt")
	assert.Equal(t, "prompt is required", toolText(t, result))

	e.chatErr = &fault.Error{Kind: fault.Server, Err: engine.ErrNotReady}
	result, _ = mcpAsk(e)(context.Background(), makeCallToolRequest("ask", map[string]any{"prompt": "hi"}))
	assert.True(t, result.IsError, "not ready")
	assert.Contains(t, toolText(t, result), "recovery_options")
}

func TestMCPResourceStatus(t *testing.T) {
	e := newFakeEngine()
	e.status = engine.Status{Model: "acme/tiny"}

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "gemi://status"}}
	contents, err := mcpResourceStatus(e)(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents, got %T", contents[0])
	assert.Equal(t, "gemi://status", tc.URI)
	assert.Contains(t, tc.Text, `"model":"acme/tiny"`)
}
