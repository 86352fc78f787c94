// Package distribution drives server processes of a distribution on the local host.
package distribution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/3cpo-dev/clusterctl/internal/topology"
	"github.com/3cpo-dev/clusterctl/pkg/api"
)

// Controller starts and stops server processes on the host it runs on.
type Controller interface {
	// Start brings the server up and returns its role once it has joined the cluster.
	Start(ctx context.Context, server topology.Server, topo *topology.Topology, kitLocation string) (api.ServerState, error)
	Stop(ctx context.Context, server topology.Server) error
}

// Registry selects a controller by distribution kind.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]Controller
	fallback    string
}

// NewRegistry returns a registry where an empty kind resolves to fallback.
func NewRegistry(fallback string) *Registry {
	return &Registry{controllers: map[string]Controller{}, fallback: fallback}
}

func (r *Registry) Register(kind string, c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[kind] = c
}

// Running lists the servers reported live by every controller that tracks them.
func (r *Registry) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{}
	for _, c := range r.controllers {
		if l, ok := c.(interface{ Running() []string }); ok {
			out = append(out, l.Running()...)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(kind string) (Controller, error) {
	if kind == "" {
		kind = r.fallback
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[kind]
	if !ok {
		return nil, fmt.Errorf("distribution controller not registered: %s", kind)
	}
	return c, nil
}
