// Package playbook loads Markdown runbooks with a flat frontmatter
// block from a directory and keeps them in sync with edits on disk.
// Backs tunnel.playbooks.list/get/put/delete.
package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Playbook is one loaded runbook.
type Playbook struct {
	Name        string
	Description string
	Params      []string
	Body        string
	Path        string
}

// Store holds the in-memory set of playbooks loaded from a directory,
// kept current by a background fsnotify watch.
type Store struct {
	dir string

	mu        sync.RWMutex
	playbooks map[string]Playbook
}

// NewStore loads every *.md file under dir and returns a Store. dir
// need not exist yet; Reload will pick up files created later.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir, playbooks: make(map[string]Playbook)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every *.md file under dir from scratch, replacing
// the in-memory set.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.playbooks = make(map[string]Playbook)
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("playbook: reading %s: %w", s.dir, err)
	}

	loaded := make(map[string]Playbook, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		pb, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("playbook: loading %s: %w", path, err)
		}
		loaded[pb.Name] = pb
	}

	s.mu.Lock()
	s.playbooks = loaded
	s.mu.Unlock()
	return nil
}

// reloadOne re-parses a single file and inserts/updates its entry
// without disturbing the rest of the set. Used by the watcher so a
// single edit doesn't pay for a full directory rescan.
func (s *Store) reloadOne(path string) error {
	pb, err := loadFile(path)
	if err != nil {
		return fmt.Errorf("playbook: loading %s: %w", path, err)
	}
	s.mu.Lock()
	s.playbooks[pb.Name] = pb
	s.mu.Unlock()
	return nil
}

// removeByPath drops the playbook loaded from path, if any.
func (s *Store) removeByPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, pb := range s.playbooks {
		if pb.Path == path {
			delete(s.playbooks, name)
			return
		}
	}
}

// List returns all playbooks sorted by name.
func (s *Store) List() []Playbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Playbook, 0, len(s.playbooks))
	for _, pb := range s.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the playbook with the given name.
func (s *Store) Get(name string) (Playbook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pb, ok := s.playbooks[name]
	return pb, ok
}

// Put writes a playbook's Markdown source to disk and reloads it.
// name becomes the filename (sans extension); an existing file is
// overwritten.
func (s *Store) Put(name, description string, params []string, body string) error {
	if name == "" {
		return fmt.Errorf("playbook: name is required")
	}
	path := filepath.Join(s.dir, name+".md")
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("playbook: creating %s: %w", s.dir, err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "description: %s\n", description)
	if len(params) > 0 {
		fmt.Fprintf(&sb, "params: %s\n", strings.Join(params, ","))
	}
	sb.WriteString("---\n")
	sb.WriteString(body)

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("playbook: writing %s: %w", path, err)
	}
	return s.reloadOne(path)
}

// Delete removes a playbook's backing file and drops it from memory.
func (s *Store) Delete(name string) error {
	s.mu.RLock()
	pb, ok := s.playbooks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("playbook: not found: %s", name)
	}
	if err := os.Remove(pb.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("playbook: removing %s: %w", pb.Path, err)
	}
	s.mu.Lock()
	delete(s.playbooks, name)
	s.mu.Unlock()
	return nil
}

// loadFile parses one Markdown file into a Playbook. The frontmatter,
// if present, is a "---" delimited block of flat "key: value" lines —
// deliberately not YAML, since the only fields are scalars.
func loadFile(path string) (Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Playbook{}, err
	}

	name := strings.TrimSuffix(filepath.Base(path), ".md")
	pb := Playbook{Name: name, Path: path}

	lines := strings.Split(string(data), "\n")

	if len(lines) > 0 && strings.TrimSpace(lines[0]) == "---" {
		i := 1
		for ; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == "---" {
				break
			}
			key, val, ok := strings.Cut(lines[i], ":")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			val = strings.TrimSpace(val)
			switch key {
			case "description":
				pb.Description = val
			case "params":
				for _, p := range strings.Split(val, ",") {
					if p = strings.TrimSpace(p); p != "" {
						pb.Params = append(pb.Params, p)
					}
				}
			}
		}
		if i < len(lines) {
			lines = lines[i+1:]
		} else {
			lines = nil
		}
	}

	pb.Body = strings.Join(lines, "\n")
	return pb, nil
}
