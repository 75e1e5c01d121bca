package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shelfwatch/harvester/internal/harvester"
)

// ErrUnknownSource signals that no adapter factory is registered for the
// source's type.
var ErrUnknownSource = errors.New("no adapter registered for source type")

// Factory builds one adapter instance per run. The progress callback is
// run-scoped; adapters call it between units of work.
type Factory func(source harvester.Source, progress harvester.ProgressFunc) (harvester.Adapter, error)

// Registry maps source types to adapter factories. Site adapters register
// themselves at wiring time; the orchestrator never switches on source types
// itself.
type Registry struct {
	mu        sync.RWMutex
	factories map[harvester.SourceType]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[harvester.SourceType]Factory)}
}

// Register installs a factory for a source type, replacing any previous one.
func (r *Registry) Register(sourceType harvester.SourceType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[sourceType] = factory
}

// Supports reports whether a factory exists for the source type.
func (r *Registry) Supports(sourceType harvester.SourceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[sourceType]
	return ok
}

// New builds an adapter for the source.
func (r *Registry) New(source harvester.Source, progress harvester.ProgressFunc) (harvester.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[source.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source.Type)
	}
	adapter, err := factory(source, progress)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", source.Type, err)
	}
	return adapter, nil
}
