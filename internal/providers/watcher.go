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
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"ump/pkg/crypto"
)

// Watcher reloads the providers file on change and swaps the registry.
// A failed reload keeps the previous snapshot; the error is only logged.
type Watcher struct {
	path           string
	registry       *Registry
	enc            *crypto.Encryptor
	defaultTimeout time.Duration
	log            *slog.Logger
	fsw            *fsnotify.Watcher

	// OnReload, when set, runs after a successful swap with the new set.
	// Used to drop caches keyed by provider name.
	OnReload func(provs []*Provider)
}

// NewWatcher starts watching the directory containing path. Watching the
// directory instead of the file survives editors that replace the file by
// rename.
func NewWatcher(path string, registry *Registry, enc *crypto.Encryptor, defaultTimeout time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:           abs,
		registry:       registry,
		enc:            enc,
		defaultTimeout: defaultTimeout,
		log:            logger,
		fsw:            fsw,
	}, nil
}

// Run blocks until ctx is cancelled, reloading on relevant events. Bursts
// of events for the same save are absorbed by a short debounce.
func (w *Watcher) Run(ctx context.Context) {
	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			_ = w.fsw.Close()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("providers watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	provs, err := LoadFile(w.path, w.enc, w.defaultTimeout)
	if err != nil {
		w.log.Error("providers reload failed, keeping previous set", "path", w.path, "error", err)
		return
	}
	w.registry.Replace(provs)
	if w.OnReload != nil {
		w.OnReload(provs)
	}
	w.log.Info("providers reloaded", "path", w.path, "count", len(provs))
}
