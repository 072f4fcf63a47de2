package ai

import (
	"fmt"
	"sync"
)

// Registry maps a routing mode to the transport serving it.
type Registry struct {
	mu         sync.RWMutex
	transports map[Mode]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[Mode]Transport)}
}

func (r *Registry) Register(mode Mode, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[mode] = t
}

func (r *Registry) Get(mode Mode) (Transport, error) {
	r.mu.RLock()
	t, ok := r.transports[mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no transport registered for mode %q", mode)
	}
	return t, nil
}
