package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"csmvoice/internal/pkg/csmvoice/apperr"
)

// Factory builds a backend from cfg. Backends register one from init.
type Factory func(cfg Config) (Engine, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

func backendKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register panics on a nil factory or a name registered twice.
func Register(name string, factory Factory) {
	if factory == nil {
		panic("engine: nil factory for backend " + name)
	}

	key := backendKey(name)
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, taken := factories[key]; taken {
		panic("engine: backend " + key + " registered twice")
	}
	factories[key] = factory
}

func lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[backendKey(name)]
	return f, ok
}

// New builds the backend registered under name. cfg.Backend is set to the
// canonical name before the factory runs.
func New(name string, cfg Config) (Engine, error) {
	const op = "engine.new"

	factory, ok := lookup(name)
	if !ok {
		return nil, apperr.New(apperr.KindConfig, op,
			fmt.Sprintf("unknown backend %q (registered: %s)", name, strings.Join(ListBackends(), ", ")))
	}

	cfg.Backend = backendKey(name)
	eng, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Backend, err)
	}
	return eng, nil
}

func ListBackends() []string {
	factoriesMu.RLock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	factoriesMu.RUnlock()

	sort.Strings(names)
	return names
}

func IsRegistered(name string) bool {
	_, ok := lookup(name)
	return ok
}
