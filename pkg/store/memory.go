package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kite-ci/kite/pkg/types"
)

// Memory is an in-memory Store used by tests. It enforces the same
// preconditions the real state store does: compare-and-swap on state,
// monotone lifecycle transitions, immutable results on done nodes and
// rejection of children under closing or done parents.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node

	// OnChange, when set, observes every successful write. Tests use
	// it to feed a bus fake, standing in for the store-side event
	// notifications of the real deployment.
	OnChange func(op string, n *types.Node)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[string]*types.Node)}
}

func (m *Memory) notify(op string, n *types.Node) {
	if m.OnChange != nil {
		m.OnChange(op, m.clone(n))
	}
}

func (m *Memory) clone(n *types.Node) *types.Node {
	raw, _ := json.Marshal(n)
	var out types.Node
	_ = json.Unmarshal(raw, &out)
	return &out
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return m.clone(n), nil
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, n *types.Node) (*types.Node, error) {
	m.mu.Lock()
	stored, err := m.createLocked(n)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify("created", stored)
	return m.clone(stored), nil
}

func (m *Memory) createLocked(n *types.Node) (*types.Node, error) {
	if n.Parent != "" {
		parent, ok := m.nodes[n.Parent]
		if !ok {
			return nil, fmt.Errorf("create: parent %s: %w", n.Parent, ErrNotFound)
		}
		// Regression records attach to already-terminal nodes.
		if !parent.AcceptsChildren() && n.Kind != types.KindRegression {
			return nil, fmt.Errorf("create: parent %s is %s: %w",
				n.Parent, parent.State, ErrConflict)
		}
	}
	stored := m.clone(n)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	stored.Created = now
	stored.Updated = now
	if stored.State == "" {
		stored.State = types.StateRunning
	}
	m.nodes[stored.ID] = stored
	return stored, nil
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, n *types.Node, expect types.State) (*types.Node, error) {
	m.mu.Lock()
	stored, err := m.updateLocked(n, expect)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.notify("updated", stored)
	return m.clone(stored), nil
}

func (m *Memory) updateLocked(n *types.Node, expect types.State) (*types.Node, error) {
	cur, ok := m.nodes[n.ID]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", n.ID, ErrNotFound)
	}
	if expect != "" && cur.State != expect {
		return nil, fmt.Errorf("update %s: state is %s, expected %s: %w",
			n.ID, cur.State, expect, ErrConflict)
	}
	if !cur.State.CanTransition(n.State) {
		return nil, fmt.Errorf("update %s: illegal transition %s -> %s: %w",
			n.ID, cur.State, n.State, ErrConflict)
	}
	if cur.Terminal() && n.Result != cur.Result {
		return nil, fmt.Errorf("update %s: result immutable once done: %w",
			n.ID, ErrConflict)
	}
	stored := m.clone(n)
	stored.Created = cur.Created
	stored.Updated = time.Now().UTC()
	m.nodes[stored.ID] = stored
	return stored, nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, q Query) ([]*types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Node
	for _, n := range m.nodes {
		ok, err := matches(n, q)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m.clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Len reports the number of stored nodes.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func matches(n *types.Node, q Query) (bool, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}

	for field, want := range q {
		op := "eq"
		for _, suffix := range []string{"__gt", "__lt", "__ne", "__re"} {
			if strings.HasSuffix(field, suffix) {
				op = suffix[2:]
				field = strings.TrimSuffix(field, suffix)
				break
			}
		}
		got, found := lookup(doc, field)
		switch op {
		case "eq":
			if !found || got != want {
				return false, nil
			}
		case "ne":
			if found && got == want {
				return false, nil
			}
		case "gt":
			if !found || !(got > want) {
				return false, nil
			}
		case "lt":
			if !found || !(got < want) {
				return false, nil
			}
		case "re":
			re, err := regexp.Compile(want)
			if err != nil {
				return false, fmt.Errorf("query %s__re: %w", field, err)
			}
			if !found || !re.MatchString(got) {
				return false, nil
			}
		}
	}
	return true, nil
}

func lookup(doc map[string]any, path string) (string, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[p]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return fmt.Sprintf("%t", v), true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", v), true
	}
}
