package provider

import (
	"context"
	"fmt"
	"sync"
)

// EventSink receives wallet lifecycle events. The events package supplies
// the real bus; tests use a recording stub.
type EventSink interface {
	Publish(name string, data map[string]any)
}

// Registry discovers installed signer backends and opens sessions against them.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
	network   string
	events    EventSink
	// last address seen per provider, to detect account switches in the
	// backing wallet between sessions.
	lastAddr map[string]string
}

// NewRegistry creates a registry for the given network label.
func NewRegistry(network string, events EventSink) *Registry {
	return &Registry{network: network, events: events, lastAddr: make(map[string]string)}
}

// Register adds a backend. Registration order decides default selection.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Discover returns the backends reporting installed, in registration order.
func (r *Registry) Discover() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var installed []Provider
	for _, p := range r.providers {
		if p.Installed() {
			installed = append(installed, p)
		}
	}
	return installed
}

// Connect opens a session against the named backend, or the first installed
// one when providerID is empty.
func (r *Registry) Connect(ctx context.Context, providerID string) (*Session, error) {
	var chosen Provider
	for _, p := range r.Discover() {
		if providerID == "" || p.ID() == providerID {
			chosen = p
			break
		}
	}
	if chosen == nil {
		if providerID == "" {
			return nil, fmt.Errorf("%w: no signer backend installed", ErrNotInstalled)
		}
		// Distinguish a registered-but-uninstalled backend from an unknown id.
		r.mu.RLock()
		for _, p := range r.providers {
			if p.ID() == providerID {
				r.mu.RUnlock()
				return nil, fmt.Errorf("%w: %s", ErrNotInstalled, providerID)
			}
		}
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, providerID)
	}

	address, err := chosen.Connect(ctx)
	if err != nil {
		return nil, err
	}

	s := &Session{
		provider: chosen,
		address:  address,
		network:  r.network,
		events:   r.events,
	}
	s.connected.Store(true)

	r.mu.Lock()
	prev := r.lastAddr[chosen.ID()]
	r.lastAddr[chosen.ID()] = address
	r.mu.Unlock()

	if r.events != nil {
		if prev != "" && prev != address {
			r.events.Publish("wallet.accountChanged", map[string]any{
				"provider": chosen.ID(),
				"previous": prev,
				"address":  address,
			})
		}
		r.events.Publish("wallet.connected", map[string]any{
			"provider": chosen.ID(),
			"address":  address,
			"network":  r.network,
		})
	}
	return s, nil
}
