package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"ssogate/registry"
)

// Grant entitles one role to every tool carrying any of its tags. AllAccess
// bypasses tag matching entirely.
type Grant struct {
	Role      string   `json:"role"`
	Tags      []string `json:"tags,omitempty"`
	AllAccess bool     `json:"all_access,omitempty"`
}

// Mapping is the role-to-tags table authorization decisions are computed
// from. It is safe for concurrent use; Replace swaps the whole table
// atomically, which is how hot reload works.
type Mapping struct {
	mu     sync.RWMutex
	grants []Grant
}

// NewMapping builds a mapping from the given grants, evaluated in order.
func NewMapping(grants ...Grant) *Mapping {
	return &Mapping{grants: grants}
}

// DefaultMapping returns the built-in enterprise role table.
func DefaultMapping() *Mapping {
	return NewMapping(
		Grant{Role: "Task.Read", Tags: []string{"read", "view", "get", "list"}},
		Grant{Role: "Task.Write", Tags: []string{"write", "create", "update", "edit", "post", "put"}},
		Grant{Role: "Task.Delete", Tags: []string{"delete", "remove", "destroy"}},
		Grant{Role: "Task.All", AllAccess: true},
		Grant{Role: "MCPServer.Admin", Tags: []string{"admin", "config", "manage"}},
	)
}

// Replace atomically swaps the grant table.
func (m *Mapping) Replace(grants []Grant) {
	m.mu.Lock()
	m.grants = grants
	m.mu.Unlock()
}

// Grants returns a copy of the current table.
func (m *Mapping) Grants() []Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, len(m.grants))
	copy(out, m.grants)
	return out
}

// entitlement is the resolved capability of one caller: either all-access or
// a tag set.
type entitlement struct {
	allAccess bool
	tags      map[string]struct{}
}

// resolve computes the caller's entitlement from its held roles. Grants are
// evaluated in declared order; an all-access grant short-circuits. A caller
// with no roles, or only unknown roles, resolves to the empty entitlement.
func (m *Mapping) resolve(roles []string) entitlement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ent := entitlement{tags: make(map[string]struct{})}
	held := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		held[r] = struct{}{}
	}
	for _, g := range m.grants {
		if _, ok := held[g.Role]; !ok {
			continue
		}
		if g.AllAccess {
			ent.allAccess = true
			return ent
		}
		for _, tag := range g.Tags {
			ent.tags[tag] = struct{}{}
		}
	}
	return ent
}

func (e entitlement) allows(tool registry.Tool) bool {
	if e.allAccess {
		return true
	}
	for _, tag := range tool.Tags {
		if _, ok := e.tags[tag]; ok {
			return true
		}
	}
	return false
}

// Filter returns the subset of tools the held roles authorize, preserving
// input order and deduplicating by tool name. No roles means no tools.
func (m *Mapping) Filter(roles []string, tools []registry.Tool) []registry.Tool {
	ent := m.resolve(roles)
	out := make([]registry.Tool, 0, len(tools))
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		if _, dup := seen[t.Name]; dup {
			continue
		}
		if !ent.allows(t) {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Allows reports whether the held roles authorize the given tool.
func (m *Mapping) Allows(roles []string, tool registry.Tool) bool {
	return m.resolve(roles).allows(tool)
}

// mappingFile is the on-disk shape consumed by LoadFile and WatchFile.
type mappingFile struct {
	Grants []Grant `json:"grants"`
}

// LoadFile reads a grant table from a JSON file.
func LoadFile(path string) ([]Grant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role mapping: %w", err)
	}
	var f mappingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse role mapping %s: %w", path, err)
	}
	for i, g := range f.Grants {
		if g.Role == "" {
			return nil, fmt.Errorf("parse role mapping %s: grant %d has no role", path, i)
		}
	}
	return f.Grants, nil
}

// WatchFile loads path into the mapping and reloads it on every change until
// ctx is done. A reload that fails to parse keeps the previous table; the
// watcher only ever swaps in a table that loaded cleanly.
func (m *Mapping) WatchFile(ctx context.Context, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	grants, err := LoadFile(path)
	if err != nil {
		return err
	}
	m.Replace(grants)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch role mapping: %w", err)
	}
	// Watch the directory: editors replace the file by rename, which drops a
	// watch registered on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch role mapping dir: %w", err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				grants, err := LoadFile(path)
				if err != nil {
					log.WarnContext(ctx, "role mapping reload failed", slog.String("err", err.Error()))
					continue
				}
				m.Replace(grants)
				log.InfoContext(ctx, "role mapping reloaded", slog.Int("grants", len(grants)))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "role mapping watcher error", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
