package variables

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/graphrun/pkg/schema"
)

// Reserved namespaces that are not node IDs.
const (
	SystemNamespace      = "sys"
	EnvironmentNamespace = "env"
)

// Selector addresses a value: [namespace, variable, ...path].
type Selector []string

// String renders the selector in dotted form.
func (s Selector) String() string {
	return strings.Join(s, ".")
}

// Equal reports whether two selectors address the same value.
func (s Selector) Equal(other Selector) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// ParseSelector converts a config value ([]any, []string or "a.b.c") into a Selector.
func ParseSelector(v any) (Selector, bool) {
	switch val := v.(type) {
	case Selector:
		return val, len(val) >= 2
	case []string:
		return Selector(val), len(val) >= 2
	case []any:
		out := make(Selector, 0, len(val))
		for _, p := range val {
			s, ok := p.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, len(out) >= 2
	case string:
		parts := strings.Split(val, ".")
		return Selector(parts), len(parts) >= 2
	}
	return nil, false
}

// Pool stores inter-node values addressed by selector. Values are write-once:
// a second write to the same (namespace, variable) is rejected.
//
// A child pool (see Child) overlays its parent: reads fall through, writes stay
// local. Iteration and loop frames use children so each element gets a fresh
// namespace for the sub-graph's nodes.
type Pool struct {
	mu     sync.RWMutex
	parent *Pool
	values map[string]map[string]Segment
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{values: make(map[string]map[string]Segment)}
}

// Child returns an overlay pool whose reads fall through to p.
func (p *Pool) Child() *Pool {
	c := NewPool()
	c.parent = p
	return c
}

// Add writes value at selector [namespace, variable]. Deeper selectors are
// not writable.
func (p *Pool) Add(sel Selector, value any) error {
	if len(sel) != 2 {
		return schema.NewErrorf(schema.ErrCodeValidation, "selector %q must have exactly two parts to be written", sel.String())
	}
	seg, err := NewSegment(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "value for %q: %s", sel.String(), err.Error()).WithCause(err)
	}

	if p.parent != nil {
		if _, exists := p.parent.Get(sel); exists {
			return schema.NewErrorf(schema.ErrCodeConflict, "variable %q is already set", sel.String())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ns, ok := p.values[sel[0]]
	if !ok {
		ns = make(map[string]Segment)
		p.values[sel[0]] = ns
	}
	if _, exists := ns[sel[1]]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "variable %q is already set", sel.String())
	}
	ns[sel[1]] = seg
	return nil
}

// Get resolves a selector, descending into nested values for selectors longer
// than two parts.
func (p *Pool) Get(sel Selector) (Segment, bool) {
	if len(sel) < 2 {
		return Segment{}, false
	}
	p.mu.RLock()
	seg, ok := p.values[sel[0]][sel[1]]
	p.mu.RUnlock()
	if !ok {
		if p.parent != nil {
			return p.parent.Get(sel)
		}
		return Segment{}, false
	}
	if len(sel) == 2 {
		return seg, true
	}
	return seg.Lookup(sel[2:])
}

// GetValue is Get returning the raw value.
func (p *Pool) GetValue(sel Selector) (any, bool) {
	seg, ok := p.Get(sel)
	if !ok {
		return nil, false
	}
	return seg.Value, true
}

// Has reports whether sel resolves.
func (p *Pool) Has(sel Selector) bool {
	_, ok := p.Get(sel)
	return ok
}

// Namespace returns a copy of every variable visible under ns.
func (p *Pool) Namespace(ns string) map[string]any {
	out := make(map[string]any)
	if p.parent != nil {
		for k, v := range p.parent.Namespace(ns) {
			out[k] = v
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for k, seg := range p.values[ns] {
		out[k] = seg.Value
	}
	return out
}

// AsMap flattens every visible namespace into plain maps, for use as an
// expression activation.
func (p *Pool) AsMap() map[string]any {
	out := make(map[string]any)
	for _, ns := range p.namespaces() {
		out[ns] = p.Namespace(ns)
	}
	return out
}

func (p *Pool) namespaces() []string {
	seen := make(map[string]struct{})
	for cur := p; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		for ns := range cur.values {
			seen[ns] = struct{}{}
		}
		cur.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the pool's own values (not its parent's).
func (p *Pool) Snapshot() map[string]map[string]Segment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]Segment, len(p.values))
	for ns, vars := range p.values {
		cp := make(map[string]Segment, len(vars))
		for k, v := range vars {
			cp[k] = v
		}
		out[ns] = cp
	}
	return out
}

// Restore builds a pool from a snapshot.
func Restore(snap map[string]map[string]Segment) *Pool {
	p := NewPool()
	for ns, vars := range snap {
		cp := make(map[string]Segment, len(vars))
		for k, v := range vars {
			cp[k] = v
		}
		p.values[ns] = cp
	}
	return p
}

// Scope binds writes to a single namespace.
func (p *Pool) Scope(namespace string) *Scope {
	return &Scope{pool: p, namespace: namespace}
}

// Scope is a writer restricted to one node's namespace.
type Scope struct {
	pool      *Pool
	namespace string
}

// Namespace returns the namespace this scope writes to.
func (s *Scope) Namespace() string { return s.namespace }

// Set writes a single variable.
func (s *Scope) Set(name string, value any) error {
	if name == "" {
		return fmt.Errorf("empty variable name in namespace %q", s.namespace)
	}
	return s.pool.Add(Selector{s.namespace, name}, value)
}

// SetAll writes every entry of outputs in key order.
func (s *Scope) SetAll(outputs map[string]any) error {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.Set(k, outputs[k]); err != nil {
			return err
		}
	}
	return nil
}
