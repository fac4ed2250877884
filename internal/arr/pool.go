// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/models"
)

var (
	ErrPoolClosed       = errors.New("client pool is closed")
	ErrInstanceDisabled = errors.New("instance is disabled")
)

// ClientPool hands out backend clients keyed by instance id, decrypting the
// API key on first use and caching the client until the instance changes.
type ClientPool struct {
	instanceStore *models.InstanceStore

	mu      sync.RWMutex
	clients map[int]*poolEntry
	closed  bool
}

// poolEntry remembers the host the cached client was built for, so an
// instance edit invalidates the entry on next lookup.
type poolEntry struct {
	client *HTTPClient
	host   string
}

func NewClientPool(instanceStore *models.InstanceStore) *ClientPool {
	return &ClientPool{
		instanceStore: instanceStore,
		clients:       make(map[int]*poolEntry),
	}
}

// GetClient returns a client for the instance, creating one if needed.
func (cp *ClientPool) GetClient(ctx context.Context, instanceID int) (Client, error) {
	instance, err := cp.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !instance.IsActive {
		return nil, ErrInstanceDisabled
	}

	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	if entry, ok := cp.clients[instanceID]; ok && entry.host == instance.Host {
		cp.mu.RUnlock()
		return entry.client, nil
	}
	cp.mu.RUnlock()

	apiKey, err := cp.instanceStore.GetDecryptedAPIKey(instance)
	if err != nil {
		return nil, errors.Wrapf(err, "decrypt API key for instance %d", instanceID)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil, ErrPoolClosed
	}
	// another caller may have raced us here; the later client wins, both
	// carry identical credentials
	if entry, ok := cp.clients[instanceID]; ok && entry.host == instance.Host {
		return entry.client, nil
	}

	client := NewHTTPClient(instance.Host, apiKey, instance.Type)
	cp.clients[instanceID] = &poolEntry{client: client, host: instance.Host}
	log.Debug().Int("instanceID", instanceID).Str("type", string(instance.Type)).Msg("created backend client")

	return client, nil
}

// Invalidate drops the cached client for an instance, forcing fresh
// credentials on the next GetClient. Called after instance edits or deletes.
func (cp *ClientPool) Invalidate(instanceID int) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	delete(cp.clients, instanceID)
}

// Close marks the pool closed. Outstanding clients keep working; new lookups
// fail with ErrPoolClosed.
func (cp *ClientPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.closed = true
	cp.clients = make(map[int]*poolEntry)
}
