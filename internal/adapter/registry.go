package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownAdapter is returned when a requested adapter id is not registered.
	ErrUnknownAdapter = errors.New("adapter: unknown adapter id") //nolint:gochecknoglobals // sentinel error

	// ErrDuplicateAdapter is returned when registering an id twice.
	ErrDuplicateAdapter = errors.New("adapter: duplicate adapter id") //nolint:gochecknoglobals // sentinel error
)

// Factory produces a fresh Adapter instance for one run.
type Factory func() Adapter

// Registration describes one vendor backend available for runs.
type Registration struct {
	ID          string
	Name        string
	Description string
	Factory     Factory
}

// Registry is a keyed factory for adapters. IDs are globally unique.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Registration),
	}
}

// Register adds a backend registration. The id must not already be taken.
func (r *Registry) Register(reg Registration) error {
	if reg.ID == "" || reg.Factory == nil {
		return fmt.Errorf("adapter.Registry.Register: id and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.ID]; exists {
		return fmt.Errorf("adapter.Registry.Register(%q): %w", reg.ID, ErrDuplicateAdapter)
	}
	r.entries[reg.ID] = reg

	return nil
}

// Create instantiates a fresh adapter for the given id.
func (r *Registry) Create(id string) (Adapter, error) {
	r.mu.RLock()
	reg, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("adapter.Registry.Create(%q): %w", id, ErrUnknownAdapter)
	}

	return reg.Factory(), nil
}

// List returns all registrations sorted by id.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })

	return regs
}
