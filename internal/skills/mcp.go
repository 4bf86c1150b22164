package skills

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/blockflow/pkg/schema"
)

// ToolCaller is the slice of an MCP client session this invoker needs.
// Satisfied by *client.Client from mcp-go and by test fakes.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPInvoker routes skill invocations to an MCP server. Tool errors whose
// payload carries an "input_required" list are translated into
// ToolInterrupt conditions instead of failures.
type MCPInvoker struct {
	caller ToolCaller
}

// NewMCPInvoker wraps an initialized MCP client session.
func NewMCPInvoker(caller ToolCaller) *MCPInvoker {
	return &MCPInvoker{caller: caller}
}

// Invoke calls the named MCP tool with the given arguments.
func (m *MCPInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := m.caller.CallTool(ctx, req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSkill, "mcp tool %q: %s", name, err.Error()).WithCause(err)
	}

	text := flattenContent(result)

	if result.IsError {
		if wanted := parseInputRequired(text); len(wanted) > 0 {
			return nil, &ToolInterrupt{Skill: name, Args: args, Wanted: wanted}
		}
		return nil, schema.NewErrorf(schema.ErrCodeSkill, "mcp tool %q failed: %s", name, text)
	}

	// Prefer structured output when the text payload is JSON.
	var structured any
	if err := json.Unmarshal([]byte(text), &structured); err == nil {
		return structured, nil
	}
	return text, nil
}

// flattenContent joins the text parts of a tool result.
func flattenContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseInputRequired extracts the input_required list from an error payload,
// e.g. {"input_required": ["api_key"]}. Returns nil when the payload is not
// that shape.
func parseInputRequired(text string) []string {
	var payload struct {
		InputRequired []string `json:"input_required"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil
	}
	return payload.InputRequired
}

var _ Invoker = (*MCPInvoker)(nil)
