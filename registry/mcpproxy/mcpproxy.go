// Package mcpproxy backs a registry.ToolRegistry with a downstream MCP
// server, reached over any MCP transport (stdio subprocess, streaming HTTP,
// in-memory for tests). Capability tags travel in the tool's _meta block
// under the "tags" key; a downstream tool without tags is reachable only by
// all-access roles.
package mcpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ssogate/registry"
)

// metaTagsKey is the _meta entry the downstream server uses to tag tools.
const metaTagsKey = "tags"

// Registry proxies tool listing and invocation to one MCP session.
type Registry struct {
	session *mcp.ClientSession
}

var _ registry.ToolRegistry = (*Registry)(nil)

// Connect dials the downstream server over the given transport and performs
// the MCP initialize handshake.
func Connect(ctx context.Context, transport mcp.Transport, name, version string) (*Registry, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect downstream mcp server: %w", err)
	}
	return &Registry{session: session}, nil
}

// Close terminates the downstream session.
func (r *Registry) Close() error {
	return r.session.Close()
}

func (r *Registry) ListTools(ctx context.Context) ([]registry.Tool, error) {
	res, err := r.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list downstream tools: %w", err)
	}
	out := make([]registry.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		var schema json.RawMessage
		if t.InputSchema != nil {
			if data, err := json.Marshal(t.InputSchema); err == nil {
				schema = data
			}
		}
		out = append(out, registry.Tool{
			Name:        t.Name,
			Description: t.Description,
			Tags:        tagsFromMeta(t.Meta),
			InputSchema: schema,
		})
	}
	return out, nil
}

func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (registry.Result, error) {
	res, err := r.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		// The SDK reports an unknown tool as a protocol error; map it onto
		// the registry sentinel so callers need not know the wire shape.
		if strings.Contains(err.Error(), "unknown tool") || strings.Contains(err.Error(), "tool not found") {
			return registry.Result{}, fmt.Errorf("%w: %s", registry.ErrToolNotFound, name)
		}
		return registry.Result{}, fmt.Errorf("call downstream tool %s: %w", name, err)
	}

	out := registry.Result{IsError: res.IsError}
	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	out.Text = strings.Join(texts, "\n")
	if res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			out.Structured = data
		}
	}
	return out, nil
}

// tagsFromMeta extracts the tag list from a tool's _meta block, tolerating
// both []string and []any encodings.
func tagsFromMeta(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[metaTagsKey].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}
