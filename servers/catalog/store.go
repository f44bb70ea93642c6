package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Tool is a catalog entry: a named capability and the method that serves it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Method      string          `json:"method,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Version     int             `json:"version"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type store struct {
	path string

	mu  sync.Mutex
	now func() time.Time
}

func newStore(path string) *store {
	return &store{
		path: path,
		now:  time.Now,
	}
}

func (s *store) load() ([]Tool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Tool{}, nil
		}
		return nil, fmt.Errorf("failed to read file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return []Tool{}, nil
	}

	var tools []Tool
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file %s: %w", s.path, err)
	}
	return tools, nil
}

// save replaces the catalog file through a temporary file and a rename.
func (s *store) save(tools []Tool) error {
	slices.SortFunc(tools, func(a, b Tool) int {
		return strings.Compare(a.Name, b.Name)
	})

	bs, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0o600); err != nil {
		return fmt.Errorf("failed to write file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace file %s: %w", s.path, err)
	}
	return nil
}

// change is a tool written by register and the entry it replaced, nil for a new tool.
type change struct {
	Tool     Tool
	Previous *Tool
}

// register inserts new tools and replaces existing ones with the same name, bumping their
// version. Unchanged tools are left alone. It returns the changes, which are only computed
// and not stored when dryRun is set.
func (s *store) register(tools []Tool, dryRun bool) ([]change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(existing))
	for i, tool := range existing {
		index[tool.Name] = i
	}

	now := s.now().UTC()
	var changes []change
	for _, tool := range tools {
		i, ok := index[tool.Name]
		if !ok {
			tool.Version = 1
			tool.UpdatedAt = now
			index[tool.Name] = len(existing)
			existing = append(existing, tool)
			changes = append(changes, change{Tool: tool})
			continue
		}

		if sameTool(existing[i], tool) {
			continue
		}
		previous := existing[i]
		tool.Version = previous.Version + 1
		tool.UpdatedAt = now
		existing[i] = tool
		changes = append(changes, change{Tool: tool, Previous: &previous})
	}

	if len(changes) == 0 || dryRun {
		return changes, nil
	}
	if err := s.save(existing); err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *store) get(name string) (Tool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools, err := s.load()
	if err != nil {
		return Tool{}, false, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			return tool, true, nil
		}
	}
	return Tool{}, false, nil
}

// list returns the tools sorted by name, optionally restricted to those carrying tag.
func (s *store) list(tag string) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools, err := s.load()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tools, func(a, b Tool) int {
		return strings.Compare(a.Name, b.Name)
	})
	if tag == "" {
		return tools, nil
	}
	return slices.DeleteFunc(tools, func(tool Tool) bool {
		return !slices.Contains(tool.Tags, tag)
	}), nil
}

// search returns the tools whose name, description, method or tags contain query, ignoring
// case.
func (s *store) search(query string) ([]Tool, error) {
	tools, err := s.list("")
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	matches := []Tool{}
	for _, tool := range tools {
		if strings.Contains(strings.ToLower(tool.Name), queryLower) ||
			strings.Contains(strings.ToLower(tool.Description), queryLower) ||
			strings.Contains(strings.ToLower(tool.Method), queryLower) {
			matches = append(matches, tool)
			continue
		}
		for _, tag := range tool.Tags {
			if strings.Contains(strings.ToLower(tag), queryLower) {
				matches = append(matches, tool)
				break
			}
		}
	}
	return matches, nil
}

// remove deletes the named tools and returns the names that were present.
func (s *store) remove(names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools, err := s.load()
	if err != nil {
		return nil, err
	}

	toDelete := make(map[string]bool, len(names))
	for _, name := range names {
		toDelete[name] = true
	}

	var removed []string
	kept := tools[:0]
	for _, tool := range tools {
		if toDelete[tool.Name] {
			removed = append(removed, tool.Name)
			continue
		}
		kept = append(kept, tool)
	}

	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.save(kept); err != nil {
		return nil, err
	}
	return removed, nil
}

func sameTool(a, b Tool) bool {
	return a.Description == b.Description &&
		a.Method == b.Method &&
		slices.Equal(a.Tags, b.Tags) &&
		jsonEqual(a.InputSchema, b.InputSchema)
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	ba, _ := json.Marshal(va)
	bb, _ := json.Marshal(vb)
	return string(ba) == string(bb)
}
