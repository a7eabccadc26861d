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

// Package pipeline normalizes upstream process documents before they enter
// any cache: canonical id enforcement, defaults, metadata sanitization and
// optional link rewriting. The whole chain is idempotent; applying it twice
// equals applying it once.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"ump/internal/providers"
	"ump/pkg/ogc"
	"ump/pkg/procid"
)

// ErrDropped marks a document the pipeline refused, e.g. because its id is
// unusable. Callers skip dropped documents instead of failing the whole
// fetch.
var ErrDropped = errors.New("process document dropped")

// Handler is one ordered transform over a process document.
type Handler interface {
	Name() string
	Apply(p *providers.Provider, doc *ogc.ProcessDescription) error
}

// Chain applies its handlers in order.
type Chain struct {
	handlers []Handler
	log      *slog.Logger
}

// Options configures the standard chain.
type Options struct {
	// PublicBaseURL is the gateway's versioned public base, used for self
	// links and as the rewrite target.
	PublicBaseURL string
	// RewriteRemoteLinks enables the link-rewriting handler.
	RewriteRemoteLinks bool
}

// New builds the standard chain: id enforcement, defaults, metadata
// sanitization, then (optionally) link rewriting.
func New(opts Options, logger *slog.Logger) *Chain {
	handlers := []Handler{
		&enforceID{},
		&fillDefaults{publicBase: opts.PublicBaseURL},
		&sanitizeMetadata{log: logger},
	}
	if opts.RewriteRemoteLinks {
		handlers = append(handlers, &rewriteLinks{publicBase: opts.PublicBaseURL})
	}
	return &Chain{handlers: handlers, log: logger}
}

// Apply runs the chain over doc in place. The returned error is ErrDropped
// when the document must be discarded.
func (c *Chain) Apply(p *providers.Provider, doc *ogc.ProcessDescription) error {
	for _, h := range c.handlers {
		if err := h.Apply(p, doc); err != nil {
			if errors.Is(err, ErrDropped) {
				c.log.Warn("dropping process document", "provider", p.Name, "handler", h.Name(), "id", doc.ID, "error", err)
			}
			return err
		}
	}
	return nil
}

// ApplySummary runs the chain over a bare summary.
func (c *Chain) ApplySummary(p *providers.Provider, s *ogc.ProcessSummary) error {
	doc := &ogc.ProcessDescription{ProcessSummary: *s}
	if err := c.Apply(p, doc); err != nil {
		return err
	}
	*s = doc.ProcessSummary
	return nil
}

// enforceID overwrites the upstream id with the canonical form. Documents
// whose bare id is missing or malformed are dropped.
type enforceID struct{}

func (h *enforceID) Name() string { return "enforce-id" }

func (h *enforceID) Apply(p *providers.Provider, doc *ogc.ProcessDescription) error {
	bare := doc.ID
	// Already canonical for this provider: strip and re-validate.
	if strings.HasPrefix(bare, p.Name+":") {
		bare = strings.TrimPrefix(bare, p.Name+":")
	}
	if !procid.ValidComponent(bare) {
		return errors.Join(ErrDropped, errors.New("bare id missing or malformed"))
	}
	doc.ID = procid.Compose(p.Name, bare)
	return nil
}

// fillDefaults injects the fields the OGC schema expects but upstreams
// routinely omit, and guarantees a self link.
type fillDefaults struct {
	publicBase string
}

func (h *fillDefaults) Name() string { return "fill-defaults" }

func (h *fillDefaults) Apply(p *providers.Provider, doc *ogc.ProcessDescription) error {
	if doc.Version == "" {
		doc.Version = "1.0.0"
	}
	if len(doc.JobControlOptions) == 0 {
		doc.JobControlOptions = []string{ogc.JobControlAsync}
	}
	if len(doc.OutputTransmission) == 0 {
		doc.OutputTransmission = append([]string(nil), ogc.DefaultOutputTransmission...)
	}
	for _, l := range doc.Links {
		if l.Rel == "self" {
			return nil
		}
	}
	doc.Links = append(doc.Links, ogc.Link{
		Href: h.publicBase + "/processes/" + doc.ID,
		Rel:  "self",
		Type: "application/json",
	})
	return nil
}

// sanitizeMetadata drops metadata entries that are not JSON objects.
type sanitizeMetadata struct {
	log *slog.Logger
}

func (h *sanitizeMetadata) Name() string { return "sanitize-metadata" }

func (h *sanitizeMetadata) Apply(p *providers.Provider, doc *ogc.ProcessDescription) error {
	if len(doc.Metadata) == 0 {
		return nil
	}
	kept := doc.Metadata[:0]
	for _, entry := range doc.Metadata {
		trimmed := bytes.TrimSpace(entry)
		if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
			kept = append(kept, entry)
			continue
		}
		h.log.Debug("discarding malformed metadata entry", "provider", p.Name, "id", doc.ID)
	}
	if len(kept) == 0 {
		doc.Metadata = nil
	} else {
		doc.Metadata = kept
	}
	return nil
}

// rewriteLinks replaces provider-base prefixes in link hrefs with the
// gateway's public base, keeping path, query and fragment intact.
type rewriteLinks struct {
	publicBase string
}

func (h *rewriteLinks) Name() string { return "rewrite-links" }

func (h *rewriteLinks) Apply(p *providers.Provider, doc *ogc.ProcessDescription) error {
	for i, l := range doc.Links {
		if strings.HasPrefix(l.Href, p.BaseURL) {
			doc.Links[i].Href = h.publicBase + strings.TrimPrefix(l.Href, p.BaseURL)
		}
	}
	return nil
}
