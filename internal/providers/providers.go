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

// Package providers holds the configured model servers the gateway
// federates. The registry hands out immutable snapshots; a background
// watcher may atomically replace the whole set while in-flight callers
// keep a consistent view.
package providers

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ump/pkg/crypto"
	"ump/pkg/procid"
)

// Auth types accepted in the providers file.
const (
	AuthNone   = "NoAuth"
	AuthBasic  = "BasicAuth"
	AuthAPIKey = "ApiKey"
	AuthBearer = "BearerToken"
)

// AuthSpec describes how to authenticate against one provider.
type AuthSpec struct {
	Type     string `yaml:"type"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	KeyName  string `yaml:"key_name,omitempty"`
	KeyValue string `yaml:"key_value,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// Headers returns the request headers this auth spec adds. NoAuth and nil
// specs return nil.
func (a *AuthSpec) Headers() map[string]string {
	if a == nil {
		return nil
	}
	switch a.Type {
	case AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(a.User + ":" + a.Password))
		return map[string]string{"Authorization": "Basic " + cred}
	case AuthAPIKey:
		if a.KeyName == "" {
			return nil
		}
		return map[string]string{a.KeyName: a.KeyValue}
	case AuthBearer:
		return map[string]string{"Authorization": "Bearer " + a.Token}
	default:
		return nil
	}
}

// Result storage policies.
const (
	ResultStorageRemote = "remote"
	ResultStorageLocal  = "local"
)

// ProcessPolicy is the per-process configuration of a provider.
type ProcessPolicy struct {
	Excluded      bool           `yaml:"exclude"`
	Anonymous     bool           `yaml:"anonymous-access"`
	Deterministic bool           `yaml:"deterministic"`
	ResultStorage string         `yaml:"result-storage"`
	GraphProps    map[string]any `yaml:"graph-properties,omitempty"`
}

// Provider is an immutable snapshot of one configured model server.
type Provider struct {
	Name      string
	BaseURL   string // normalized, no trailing slash
	Auth      *AuthSpec
	Timeout   time.Duration
	Processes map[string]ProcessPolicy
}

// Policy returns the configured policy for a bare process id.
func (p *Provider) Policy(bare string) (ProcessPolicy, bool) {
	pol, ok := p.Processes[bare]
	return pol, ok
}

// Configured reports whether the bare id is configured and not excluded.
func (p *Provider) Configured(bare string) bool {
	pol, ok := p.Processes[bare]
	return ok && !pol.Excluded
}

// providerYAML is the on-disk shape, keyed by provider name.
type providerYAML struct {
	URL            string                   `yaml:"url"`
	Timeout        float64                  `yaml:"timeout"`
	Authentication *AuthSpec                `yaml:"authentication"`
	Processes      map[string]ProcessPolicy `yaml:"processes"`
}

// LoadFile parses the providers YAML file. Provider names must be valid id
// components since they become canonical-id prefixes. Encrypted secrets are
// decrypted when an encryptor is configured; values that do not decrypt are
// used as-is so plaintext files keep working.
func LoadFile(path string, enc *crypto.Encryptor, defaultTimeout time.Duration) ([]*Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var doc map[string]providerYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	provs := make([]*Provider, 0, len(doc))
	for name, py := range doc {
		if !procid.ValidComponent(name) {
			return nil, fmt.Errorf("provider name %q is not a valid id component", name)
		}
		base, err := normalizeBaseURL(py.URL)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}

		timeout := defaultTimeout
		if py.Timeout > 0 {
			timeout = time.Duration(py.Timeout * float64(time.Second))
		}

		auth := py.Authentication
		if auth != nil && enc != nil {
			decryptSecrets(auth, enc)
		}

		processes := make(map[string]ProcessPolicy, len(py.Processes))
		for bare, pol := range py.Processes {
			if !procid.ValidComponent(bare) {
				return nil, fmt.Errorf("provider %q: process id %q is not a valid id component", name, bare)
			}
			if pol.ResultStorage == "" {
				pol.ResultStorage = ResultStorageRemote
			}
			if pol.ResultStorage != ResultStorageRemote && pol.ResultStorage != ResultStorageLocal {
				return nil, fmt.Errorf("provider %q: process %q: unknown result-storage %q", name, bare, pol.ResultStorage)
			}
			processes[bare] = pol
		}

		provs = append(provs, &Provider{
			Name:      name,
			BaseURL:   base,
			Auth:      auth,
			Timeout:   timeout,
			Processes: processes,
		})
	}

	// Registry order is the deterministic tie-break for bare-id lookups.
	sort.Slice(provs, func(i, j int) bool { return provs[i].Name < provs[j].Name })
	return provs, nil
}

func decryptSecrets(a *AuthSpec, enc *crypto.Encryptor) {
	if v, err := enc.Decrypt(a.Password); err == nil {
		a.Password = v
	}
	if v, err := enc.Decrypt(a.KeyValue); err == nil {
		a.KeyValue = v
	}
	if v, err := enc.Decrypt(a.Token); err == nil {
		a.Token = v
	}
}

func normalizeBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
