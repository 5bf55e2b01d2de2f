package target

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// ErrUnknownKind is returned when no target is registered for a job kind.
var ErrUnknownKind = errors.New("unknown job kind")

// Registry holds registered targets keyed by job kind.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

// NewRegistry creates an empty target registry.
func NewRegistry() *Registry {
	return &Registry{
		targets: make(map[string]Target),
	}
}

// DefaultRegistry returns a registry with the built-in user and card targets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindUser, User())
	r.Register(KindCard, Card())
	return r
}

// Register adds a target under the given kind, replacing any previous one.
func (r *Registry) Register(kind string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[kind] = t
}

// Resolve returns the target registered for kind.
func (r *Registry) Resolve(kind string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.targets[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return t, nil
}

// Params resolves the job's target and builds its render parameters.
func (r *Registry) Params(job model.Job) (model.RenderParams, error) {
	t, err := r.Resolve(job.Kind)
	if err != nil {
		return model.RenderParams{}, err
	}
	return t.Params(job)
}

// List returns information about all registered targets, sorted by kind
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.targets))
	for _, t := range r.targets {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
