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

// Package procid parses and composes canonical process identifiers of the
// form "{provider}:{bare_id}". Every process exposed by the gateway carries
// the name of the provider it was fetched from as a prefix so that the same
// bare id offered by two model servers stays unambiguous.
package procid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid indicates a string that is not a canonical process id.
var ErrInvalid = errors.New("invalid process id")

var componentRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ID is a parsed canonical process identifier.
type ID struct {
	Provider string
	Bare     string
}

// Parse splits s on the first colon and validates both components.
func Parse(s string) (ID, error) {
	provider, bare, found := strings.Cut(s, ":")
	if !found {
		return ID{}, fmt.Errorf("%w: %q has no provider prefix", ErrInvalid, s)
	}
	if !componentRe.MatchString(provider) {
		return ID{}, fmt.Errorf("%w: bad provider component in %q", ErrInvalid, s)
	}
	if !componentRe.MatchString(bare) {
		return ID{}, fmt.Errorf("%w: bad process component in %q", ErrInvalid, s)
	}
	return ID{Provider: provider, Bare: bare}, nil
}

// Compose builds the wire form "provider:bare".
func Compose(provider, bare string) string {
	return provider + ":" + bare
}

// Extract returns the provider prefix of s without a full parse, or ""
// when s carries no colon. Used to cheaply detect prefixed inputs.
func Extract(s string) string {
	provider, _, found := strings.Cut(s, ":")
	if !found {
		return ""
	}
	return provider
}

// ValidComponent reports whether s is usable as a provider name or bare id.
func ValidComponent(s string) bool {
	return componentRe.MatchString(s)
}

// String returns the wire form of the id.
func (id ID) String() string {
	return Compose(id.Provider, id.Bare)
}
