// Package static provides an in-process registry.ToolRegistry. Tools are
// declared with typed argument structs; input schemas are reflected from the
// struct tags and argument decoding rejects unknown fields.
package static

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"ssogate/registry"
)

// Handler runs one invocation with already-decoded arguments of type A.
type Handler[A any] func(ctx context.Context, args A) (registry.Result, error)

// Tool pairs a descriptor with its type-erased handler.
type Tool struct {
	Descriptor registry.Tool
	handler    func(ctx context.Context, args json.RawMessage) (registry.Result, error)
}

// NewTool builds a Tool from a typed argument struct. The input schema is
// reflected from A; unknown argument fields fail the call with an IsError
// result rather than a transport error.
func NewTool[A any](name, description string, tags []string, fn Handler[A]) Tool {
	schema := reflectInputSchema[A]()
	return Tool{
		Descriptor: registry.Tool{
			Name:        name,
			Description: description,
			Tags:        tags,
			InputSchema: schema,
		},
		handler: func(ctx context.Context, args json.RawMessage) (registry.Result, error) {
			var a A
			if len(args) > 0 {
				dec := json.NewDecoder(bytes.NewReader(args))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return registry.Result{
						Text:    fmt.Sprintf("invalid arguments: %v", err),
						IsError: true,
					}, nil
				}
			}
			return fn(ctx, a)
		},
	}
}

// Registry is a fixed set of tools, listed in registration order. The set is
// immutable after New, so it is safe for concurrent use without locking.
type Registry struct {
	order []string
	tools map[string]Tool
}

var _ registry.ToolRegistry = (*Registry)(nil)

// New builds a registry from the given tools. A duplicate name panics; the
// tool set is wired at startup and a collision is a programming error.
func New(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Descriptor.Name]; dup {
			panic(fmt.Sprintf("static: duplicate tool %q", t.Descriptor.Name))
		}
		r.tools[t.Descriptor.Name] = t
		r.order = append(r.order, t.Descriptor.Name)
	}
	return r
}

func (r *Registry) ListTools(_ context.Context) ([]registry.Tool, error) {
	out := make([]registry.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Descriptor)
	}
	return out, nil
}

func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (registry.Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return registry.Result{}, fmt.Errorf("%w: %s", registry.ErrToolNotFound, name)
	}
	return t.handler(ctx, args)
}

// TextResult wraps a plain string as a successful result.
func TextResult(text string) registry.Result {
	return registry.Result{Text: text}
}

// StructuredResult marshals v into a successful structured result.
func StructuredResult(v any) (registry.Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return registry.Result{}, fmt.Errorf("marshal structured result: %w", err)
	}
	return registry.Result{Structured: data}, nil
}

// Errorf formats a tool-level failure result.
func Errorf(format string, args ...any) registry.Result {
	return registry.Result{Text: fmt.Sprintf(format, args...), IsError: true}
}

// reflectInputSchema reflects a Go type A into an inlined JSON Schema with
// the struct at the root and unknown fields disallowed.
func reflectInputSchema[A any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))
	data, err := json.Marshal(s)
	if err != nil {
		// Reflection output always marshals; a failure here means A itself
		// is not representable and the tool is unusable.
		panic(fmt.Sprintf("static: reflect schema: %v", err))
	}
	return data
}
