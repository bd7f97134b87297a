// ============================================================================
// Beaver-Backfill Processor Registry
// ============================================================================
//
// Package: internal/processor
// File: registry.go
// Purpose: Named processing functions selectable from a JobSpec.
//
// A processor is the extract/transform/load pipeline of one data source. The
// engine treats it as an opaque, possibly slow, possibly failing call:
//
//   Process(ctx, batch) error
//     nil                      → batch succeeded
//     *types.ProcessingError   → classified failure (transient, permanent...)
//     any other error          → transient
//
// Processors must be idempotent per batch: a batch that timed out may have
// partially written before it is retried.
// ============================================================================

package processor

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ChuLiYu/beaver-backfill/internal/worker"
)

// ErrUnknownProcessor is returned by Lookup for unregistered names.
var ErrUnknownProcessor = errors.New("unknown processor")

// Registry maps processor names to implementations.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]worker.Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]worker.Processor)}
}

// Register adds or replaces a processor.
func (r *Registry) Register(name string, p worker.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[name] = p
}

// Lookup returns the processor registered under name.
func (r *Registry) Lookup(name string) (worker.Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownProcessor, name, r.namesLocked())
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
