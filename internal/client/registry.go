// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"portico/internal/logger"
)

// Listener is notified about client registration changes
type Listener func(c *Client)

// Registry indexes connected clients by id, handle and application
type Registry struct {
	byID     map[string]*Client
	byHandle map[Handle]*Client
	byApp    map[string]map[string]*Client
	probes   map[string]context.CancelFunc

	onRegister   []Listener
	onUnregister []Listener

	liveness LivenessConfig
	logger   zerolog.Logger
	mutex    sync.RWMutex
}

// NewRegistry creates a client registry. Liveness probing is disabled
// when the config has no pinger.
func NewRegistry(liveness LivenessConfig) *Registry {
	return &Registry{
		byID:     make(map[string]*Client),
		byHandle: make(map[Handle]*Client),
		byApp:    make(map[string]map[string]*Client),
		probes:   make(map[string]context.CancelFunc),
		liveness: liveness,
		logger:   logger.GetLogger("clients"),
	}
}

// OnRegister adds a listener for client registrations
func (r *Registry) OnRegister(fn Listener) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onRegister = append(r.onRegister, fn)
}

// OnUnregister adds a listener for client unregistrations
func (r *Registry) OnUnregister(fn Listener) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.onUnregister = append(r.onUnregister, fn)
}

// Register adds a client. A different client registered under the same
// handle is unregistered. The handle is indexed to c before the previous
// client is disposed, so its release hooks see the handle still in use.
func (r *Registry) Register(c *Client) {
	r.mutex.Lock()
	var previous *Client
	if c.Handle != nil {
		if p := r.byHandle[c.Handle]; p != nil && p != c {
			previous = p
		}
		r.byHandle[c.Handle] = c
	}
	r.byID[c.ID] = c
	apps, ok := r.byApp[c.AppSymbolicName]
	if !ok {
		apps = make(map[string]*Client)
		r.byApp[c.AppSymbolicName] = apps
	}
	apps[c.ID] = c

	if r.liveness.enabledFor(c) {
		ctx, cancel := context.WithCancel(context.Background())
		r.probes[c.ID] = cancel
		go r.probe(ctx, c)
	}
	listeners := append([]Listener(nil), r.onRegister...)
	r.mutex.Unlock()

	if previous != nil {
		r.logger.Info().
			Str("client_id", previous.ID).
			Str("app", previous.AppSymbolicName).
			Msg("Evicting client superseded by a new connection on the same channel")
		r.Unregister(previous)
	}

	r.logger.Info().
		Str("client_id", c.ID).
		Str("app", c.AppSymbolicName).
		Str("origin", c.Origin).
		Str("version", c.Version).
		Msg("Client registered")

	for _, fn := range listeners {
		fn(c)
	}
}

// Unregister removes a client, notifies listeners and disposes it.
// Unregistering a client that is not registered is a no-op.
func (r *Registry) Unregister(c *Client) {
	r.mutex.Lock()
	current, ok := r.byID[c.ID]
	if !ok || current != c {
		r.mutex.Unlock()
		return
	}

	delete(r.byID, c.ID)
	if c.Handle != nil && r.byHandle[c.Handle] == c {
		delete(r.byHandle, c.Handle)
	}
	if apps, ok := r.byApp[c.AppSymbolicName]; ok {
		delete(apps, c.ID)
		if len(apps) == 0 {
			delete(r.byApp, c.AppSymbolicName)
		}
	}
	if cancel, ok := r.probes[c.ID]; ok {
		cancel()
		delete(r.probes, c.ID)
	}
	listeners := append([]Listener(nil), r.onUnregister...)
	r.mutex.Unlock()

	r.logger.Info().
		Str("client_id", c.ID).
		Str("app", c.AppSymbolicName).
		Msg("Client unregistered")

	for _, fn := range listeners {
		fn(c)
	}
	c.Dispose()
}

// ByID returns the client with the given id, or nil
func (r *Registry) ByID(id string) *Client {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.byID[id]
}

// ByHandle returns the client registered under the given handle, or nil
func (r *Registry) ByHandle(h Handle) *Client {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.byHandle[h]
}

// ByApplication returns the clients of an application
func (r *Registry) ByApplication(appSymbolicName string) []*Client {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Client, 0, len(r.byApp[appSymbolicName]))
	for _, c := range r.byApp[appSymbolicName] {
		out = append(out, c)
	}
	sortClients(out)
	return out
}

// All returns all registered clients
func (r *Registry) All() []*Client {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sortClients(out)
	return out
}

// Count returns the number of registered clients
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.byID)
}

// Close stops all liveness probes
func (r *Registry) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for id, cancel := range r.probes {
		cancel()
		delete(r.probes, id)
	}
}

func sortClients(clients []*Client) {
	sort.Slice(clients, func(i, j int) bool {
		if !clients[i].ConnectedAt.Equal(clients[j].ConnectedAt) {
			return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
		}
		return clients[i].ID < clients[j].ID
	})
}
