// Package registry defines the capability surface the gateway fronts: a set
// of named tools, each carrying the tags the authorization layer matches
// roles against. Implementations may hold tools in process (registry/static)
// or proxy a downstream MCP server (registry/mcpproxy).
package registry

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrToolNotFound reports that no tool with the requested name exists.
var ErrToolNotFound = errors.New("registry: tool not found")

// Tool describes one callable capability.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Tags classify the tool's capability class (read, write, delete,
	// admin, ...). Authorization matches these against role grants; a tool
	// with no tags is reachable only by all-access roles.
	Tags []string `json:"tags,omitempty"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Result is a tool invocation outcome. IsError marks a tool-level failure
// (bad arguments, domain error) as opposed to a transport failure, which
// surfaces as a Go error instead.
type Result struct {
	Text       string          `json:"text,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ToolRegistry lists tools and dispatches invocations.
type ToolRegistry interface {
	// ListTools returns every tool the registry knows, in stable order.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes the named tool with raw JSON arguments. An unknown
	// name yields ErrToolNotFound.
	CallTool(ctx context.Context, name string, args json.RawMessage) (Result, error)
}
