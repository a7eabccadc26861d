// UMP is an OGC API Processes federation gateway.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package providers

import (
	"fmt"
	"sync/atomic"

	"ump/pkg/gateway"
	"ump/pkg/procid"
)

// snapshot is one immutable generation of the provider set.
type snapshot struct {
	byName  map[string]*Provider
	ordered []*Provider
}

// Registry is the read-side accessor for configured providers. Replace
// swaps the snapshot pointer atomically; readers never block writers.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from an initial provider set.
func NewRegistry(provs []*Provider) *Registry {
	r := &Registry{}
	r.Replace(provs)
	return r
}

// Replace installs a new provider set.
func (r *Registry) Replace(provs []*Provider) {
	byName := make(map[string]*Provider, len(provs))
	ordered := make([]*Provider, len(provs))
	copy(ordered, provs)
	for _, p := range provs {
		byName[p.Name] = p
	}
	r.snap.Store(&snapshot{byName: byName, ordered: ordered})
}

// Get returns the provider with the given name, or nil.
func (r *Registry) Get(name string) *Provider {
	return r.snap.Load().byName[name]
}

// List returns all providers in registry order.
func (r *Registry) List() []*Provider {
	return r.snap.Load().ordered
}

// Resolve parses a canonical id and returns its provider. Unknown provider
// prefixes map to gateway.ErrNotFound, malformed ids to ErrInvalidInput.
func (r *Registry) Resolve(canonical string) (*Provider, procid.ID, error) {
	id, err := procid.Parse(canonical)
	if err != nil {
		return nil, procid.ID{}, fmt.Errorf("%w: %v", gateway.ErrInvalidInput, err)
	}
	p := r.Get(id.Provider)
	if p == nil {
		return nil, id, fmt.Errorf("%w: unknown provider %q", gateway.ErrNotFound, id.Provider)
	}
	return p, id, nil
}
