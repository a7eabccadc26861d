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

// Package observe fans job lifecycle events out to registered observers.
// Observers run sequentially in registration order; a failing or panicking
// observer is logged and never stops the others or reaches the job manager.
package observe

import (
	"context"
	"fmt"
	"log/slog"

	"ump/pkg/gateway"
	"ump/pkg/ogc"
)

// Observer subscribes to job lifecycle events. Implementations that only
// care about a subset embed Base for the rest.
type Observer interface {
	Name() string
	OnJobCreated(ctx context.Context, job *gateway.Job, snapshot ogc.StatusInfo) error
	OnStatusChanged(ctx context.Context, job *gateway.Job, oldSnap, newSnap ogc.StatusInfo) error
	OnJobCompleted(ctx context.Context, job *gateway.Job, final ogc.StatusInfo) error
}

// Base is a no-op Observer for embedding.
type Base struct{}

func (Base) OnJobCreated(context.Context, *gateway.Job, ogc.StatusInfo) error { return nil }
func (Base) OnStatusChanged(context.Context, *gateway.Job, ogc.StatusInfo, ogc.StatusInfo) error {
	return nil
}
func (Base) OnJobCompleted(context.Context, *gateway.Job, ogc.StatusInfo) error { return nil }

// Bus dispatches events to its observers.
type Bus struct {
	observers []Observer
	log       *slog.Logger
}

// NewBus builds an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{log: logger}
}

// Register appends observers; dispatch order is registration order.
func (b *Bus) Register(obs ...Observer) {
	b.observers = append(b.observers, obs...)
}

// JobCreated notifies all observers of a freshly persisted job.
func (b *Bus) JobCreated(ctx context.Context, job *gateway.Job, snapshot ogc.StatusInfo) {
	for _, o := range b.observers {
		b.safeCall(o.Name(), "on_job_created", job.ID, func() error {
			return o.OnJobCreated(ctx, job, snapshot)
		})
	}
}

// StatusChanged notifies all observers of a snapshot transition.
func (b *Bus) StatusChanged(ctx context.Context, job *gateway.Job, oldSnap, newSnap ogc.StatusInfo) {
	for _, o := range b.observers {
		b.safeCall(o.Name(), "on_status_changed", job.ID, func() error {
			return o.OnStatusChanged(ctx, job, oldSnap, newSnap)
		})
	}
}

// JobCompleted notifies all observers that a job reached a terminal state.
func (b *Bus) JobCompleted(ctx context.Context, job *gateway.Job, final ogc.StatusInfo) {
	for _, o := range b.observers {
		b.safeCall(o.Name(), "on_job_completed", job.ID, func() error {
			return o.OnJobCompleted(ctx, job, final)
		})
	}
}

// safeCall isolates one observer invocation: errors and panics are logged,
// never propagated. This is a hard contract of the bus.
func (b *Bus) safeCall(observer, event, jobID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("observer panicked", "observer", observer, "event", event, "job", jobID, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		b.log.Error("observer failed", "observer", observer, "event", event, "job", jobID, "error", err)
	}
}
