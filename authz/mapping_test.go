package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ssogate/registry"
)

func demoTools() []registry.Tool {
	return []registry.Tool{
		{Name: "get_report", Tags: []string{"read", "get"}},
		{Name: "create_report", Tags: []string{"write", "create"}},
		{Name: "delete_report", Tags: []string{"delete"}},
		{Name: "configure_server", Tags: []string{"admin", "config"}},
		{Name: "untagged_probe"},
	}
}

func names(tools []registry.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func TestFilter(t *testing.T) {
	m := DefaultMapping()
	tools := demoTools()

	cases := []struct {
		name  string
		roles []string
		want  []string
	}{
		{"NoRoles", nil, []string{}},
		{"UnknownRole", []string{"Task.Imaginary"}, []string{}},
		{"ReadOnly", []string{"Task.Read"}, []string{"get_report"}},
		{"ReadWrite", []string{"Task.Read", "Task.Write"}, []string{"get_report", "create_report"}},
		{"DeleteOnly", []string{"Task.Delete"}, []string{"delete_report"}},
		{"Admin", []string{"MCPServer.Admin"}, []string{"configure_server"}},
		{"AllAccess", []string{"Task.All"}, []string{"get_report", "create_report", "delete_report", "configure_server", "untagged_probe"}},
		{"AllAccessAmongOthers", []string{"Task.Read", "Task.All"}, []string{"get_report", "create_report", "delete_report", "configure_server", "untagged_probe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := names(m.Filter(tc.roles, tools))
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestFilter_DeduplicatesByName(t *testing.T) {
	m := DefaultMapping()
	tools := []registry.Tool{
		{Name: "get_report", Tags: []string{"read"}},
		{Name: "get_report", Tags: []string{"get"}},
	}
	got := m.Filter([]string{"Task.Read"}, tools)
	if len(got) != 1 {
		t.Fatalf("got %d tools, want 1: %v", len(got), names(got))
	}
}

func TestFilter_UntaggedToolRequiresAllAccess(t *testing.T) {
	m := DefaultMapping()
	tools := []registry.Tool{{Name: "probe"}}

	if got := m.Filter([]string{"Task.Read", "Task.Write", "Task.Delete", "MCPServer.Admin"}, tools); len(got) != 0 {
		t.Fatalf("untagged tool visible without all-access: %v", names(got))
	}
	if got := m.Filter([]string{"Task.All"}, tools); len(got) != 1 {
		t.Fatal("untagged tool hidden from all-access")
	}
}

func TestAllows(t *testing.T) {
	m := DefaultMapping()
	del := registry.Tool{Name: "delete_report", Tags: []string{"delete"}}

	if m.Allows([]string{"Task.Read", "Task.Write"}, del) {
		t.Fatal("read+write must not reach a delete-only tool")
	}
	if !m.Allows([]string{"Task.Delete"}, del) {
		t.Fatal("delete role must reach a delete tool")
	}
	if !m.Allows([]string{"Task.All"}, del) {
		t.Fatal("all-access must reach everything")
	}
	if m.Allows(nil, del) {
		t.Fatal("no roles must reach nothing")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.json")
	content := `{"grants":[
		{"role":"Viewer","tags":["read"]},
		{"role":"Root","all_access":true}
	]}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	grants, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(grants) != 2 || grants[0].Role != "Viewer" || !grants[1].AllAccess {
		t.Fatalf("grants = %+v", grants)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"grants":[{"tags":["read"]}]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("grant without role accepted")
	}

	if _, err := LoadFile(filepath.Join(dir, "absent.json")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestWatchFile_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"grants":[{"role":"Viewer","tags":["read"]}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMapping()
	if err := m.WatchFile(ctx, path, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}
	tool := registry.Tool{Name: "drop", Tags: []string{"delete"}}
	if m.Allows([]string{"Viewer"}, tool) {
		t.Fatal("initial table should not grant delete")
	}

	write(`{"grants":[{"role":"Viewer","tags":["read","delete"]}]}`)

	deadline := time.After(2 * time.Second)
	for !m.Allows([]string{"Viewer"}, tool) {
		select {
		case <-deadline:
			t.Fatal("reload never observed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchFile_BadReloadKeepsOldTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.json")
	if err := os.WriteFile(path, []byte(`{"grants":[{"role":"Viewer","tags":["read"]}]}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMapping()
	if err := m.WatchFile(ctx, path, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Give the watcher a moment to see the bad write.
	time.Sleep(200 * time.Millisecond)

	tool := registry.Tool{Name: "get", Tags: []string{"read"}}
	if !m.Allows([]string{"Viewer"}, tool) {
		t.Fatal("bad reload clobbered the previous table")
	}
}
