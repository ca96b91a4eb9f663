package static

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ssogate/registry"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
	Repeat  int    `json:"repeat,omitempty"`
}

func echoTool() Tool {
	return NewTool("echo", "Echoes its input", []string{"read"},
		func(ctx context.Context, args echoArgs) (registry.Result, error) {
			if args.Message == "" {
				return Errorf("message is required"), nil
			}
			n := args.Repeat
			if n <= 0 {
				n = 1
			}
			out := ""
			for range n {
				out += args.Message
			}
			return TextResult(out), nil
		})
}

func TestListTools(t *testing.T) {
	r := New(
		echoTool(),
		NewTool("drop", "Deletes things", []string{"delete"},
			func(ctx context.Context, _ struct{}) (registry.Result, error) {
				return TextResult("dropped"), nil
			}),
	)

	tools, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len = %d", len(tools))
	}
	// Registration order is preserved.
	if tools[0].Name != "echo" || tools[1].Name != "drop" {
		t.Fatalf("order = %q, %q", tools[0].Name, tools[1].Name)
	}
	if len(tools[0].Tags) != 1 || tools[0].Tags[0] != "read" {
		t.Fatalf("tags = %v", tools[0].Tags)
	}

	var schema map[string]any
	if err := json.Unmarshal(tools[0].InputSchema, &schema); err != nil {
		t.Fatalf("schema not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("schema type = %v", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["message"]; !ok {
		t.Fatalf("schema missing message property: %v", props)
	}
}

func TestCallTool(t *testing.T) {
	r := New(echoTool())
	ctx := context.Background()

	res, err := r.CallTool(ctx, "echo", json.RawMessage(`{"message":"hi","repeat":2}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || res.Text != "hihi" {
		t.Fatalf("res = %+v", res)
	}
}

func TestCallTool_UnknownArgsRejected(t *testing.T) {
	r := New(echoTool())

	res, err := r.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hi","bogus":1}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !res.IsError {
		t.Fatalf("unknown field accepted: %+v", res)
	}
}

func TestCallTool_NotFound(t *testing.T) {
	r := New(echoTool())

	_, err := r.CallTool(context.Background(), "missing", nil)
	if !errors.Is(err, registry.ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestStructuredResult(t *testing.T) {
	res, err := StructuredResult(map[string]int{"n": 3})
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	if string(res.Structured) != `{"n":3}` {
		t.Fatalf("Structured = %s", res.Structured)
	}
}
