package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/servantops/servant-agent/pkg/config"
)

var (
	// ErrUnknownUnit is returned when a configured unit has no factory.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrUnknownMiddleware is returned when a configured middleware has no factory.
	ErrUnknownMiddleware = errors.New("unknown middleware")
)

// UnitFactory builds a unit from its configuration.
type UnitFactory func(deps Deps, opts config.UnitConfig) (*Loaded, error)

// MiddlewareFactory builds an agent-level middleware from its configuration.
type MiddlewareFactory func(deps Deps, opts config.MiddlewareConfig) (Middleware, error)

// Registry maps configured names to factories. It is populated once at
// startup; names are case-insensitive.
type Registry struct {
	mu          sync.RWMutex
	units       map[string]UnitFactory
	middlewares map[string]MiddlewareFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units:       make(map[string]UnitFactory),
		middlewares: make(map[string]MiddlewareFactory),
	}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterUnit adds a unit factory under name.
func (r *Registry) RegisterUnit(name string, f UnitFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key(name) == "" || f == nil {
		return fmt.Errorf("unit factory requires a name and a function")
	}
	if _, exists := r.units[key(name)]; exists {
		return fmt.Errorf("unit %s already registered", name)
	}
	r.units[key(name)] = f
	return nil
}

// RegisterMiddleware adds a middleware factory under name.
func (r *Registry) RegisterMiddleware(name string, f MiddlewareFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key(name) == "" || f == nil {
		return fmt.Errorf("middleware factory requires a name and a function")
	}
	if _, exists := r.middlewares[key(name)]; exists {
		return fmt.Errorf("middleware %s already registered", name)
	}
	r.middlewares[key(name)] = f
	return nil
}

// Unit returns the factory registered under name.
func (r *Registry) Unit(name string) (UnitFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.units[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	return f, nil
}

// Middleware returns the factory registered under name.
func (r *Registry) Middleware(name string) (MiddlewareFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.middlewares[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMiddleware, name)
	}
	return f, nil
}

// UnitNames lists the registered unit names, sorted.
func (r *Registry) UnitNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MiddlewareNames lists the registered middleware names, sorted.
func (r *Registry) MiddlewareNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.middlewares))
	for name := range r.middlewares {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
