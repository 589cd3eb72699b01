package curve

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultCurveID is the id assigned to the first registered curve, by
// convention the linear curve.
const DefaultCurveID uint64 = 0

var (
	ErrCurveNotFound  = errors.New("curve registry: curve not found")
	ErrDuplicateCurve = errors.New("curve registry: curve name already registered")
	ErrNilCurve       = errors.New("curve registry: curve must not be nil")
)

// Entry describes a registered curve.
type Entry struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// Registry is an append-only mapping from curve id to curve implementation.
// Registered curves can never be removed or replaced because existing vaults
// are priced against them.
type Registry struct {
	mu     sync.RWMutex
	curves []Curve
	byName map[string]uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]uint64)}
}

// Register appends the curve and returns its id.
func (r *Registry) Register(c Curve) (uint64, error) {
	if c == nil {
		return 0, ErrNilCurve
	}
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return 0, fmt.Errorf("%w: curve name required", ErrInvalidParameter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateCurve, name)
	}
	id := uint64(len(r.curves))
	r.curves = append(r.curves, c)
	r.byName[name] = id
	return id, nil
}

// Resolve returns the curve registered under id.
func (r *Registry) Resolve(id uint64) (Curve, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id >= uint64(len(r.curves)) {
		return nil, fmt.Errorf("%w: id %d", ErrCurveNotFound, id)
	}
	return r.curves[id], nil
}

// Lookup returns the id registered for name.
func (r *Registry) Lookup(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.TrimSpace(name)]
	return id, ok
}

// Count returns the number of registered curves.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.curves)
}

// List returns the registered curves in id order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.curves))
	for i, c := range r.curves {
		out = append(out, Entry{ID: uint64(i), Name: c.Name()})
	}
	return out
}
