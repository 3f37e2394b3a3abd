package transfer

import "sync"

// registry holds open workflows by ID.
type registry struct {
	mu        sync.RWMutex
	workflows map[string]*workflow
}

func newRegistry() *registry {
	return &registry{workflows: make(map[string]*workflow)}
}

func (r *registry) put(w *workflow) {
	r.mu.Lock()
	r.workflows[w.id] = w
	r.mu.Unlock()
}

func (r *registry) get(id string) (*workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return w, nil
}

func (r *registry) all() []*workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	return out
}
