package archive

import (
	"fmt"
	"sort"
	"sync"

	"github.com/basket/go-drover/internal/task"
)

// Resolver resolves a dotted type name.
type Resolver interface {
	Resolve(name string) (task.Type, error)
}

// Catalog is the host resolver: compiled-in types that live for the whole
// process and are never redefined by a reload.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]task.Type
}

func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]task.Type)}
}

func (c *Catalog) Register(t task.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[t.Name()]; ok {
		return fmt.Errorf("host type %q already registered", t.Name())
	}
	c.types[t.Name()] = t
	return nil
}

func (c *Catalog) Resolve(name string) (task.Type, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.types[name]; ok {
		return t, nil
	}
	return nil, &ResolveError{Name: name, Reason: ReasonNotFound, Err: ErrModuleNotFound}
}

// Names lists registered host types in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
