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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ump/pkg/crypto"
	"ump/pkg/gateway"
)

const sampleYAML = `
ms1:
  url: http://ms1.example.org/
  timeout: 30
  authentication:
    type: BasicAuth
    user: gateway
    password: hunter2
  processes:
    square:
      result-storage: remote
    hidden:
      exclude: true
zeta:
  url: https://zeta.example.org/ogc
  processes:
    traffic-sim:
      anonymous-access: true
      deterministic: true
`

func writeProviders(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write providers file: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeProviders(t, sampleYAML)
	provs, err := LoadFile(path, nil, 60*time.Second)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(provs) != 2 {
		t.Fatalf("got %d providers, want 2", len(provs))
	}
	// Sorted by name: ms1 before zeta.
	if provs[0].Name != "ms1" || provs[1].Name != "zeta" {
		t.Fatalf("unexpected order: %s, %s", provs[0].Name, provs[1].Name)
	}

	ms1 := provs[0]
	if ms1.BaseURL != "http://ms1.example.org" {
		t.Errorf("BaseURL = %q, want trailing slash stripped", ms1.BaseURL)
	}
	if ms1.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", ms1.Timeout)
	}
	if !ms1.Configured("square") {
		t.Error("square should be configured")
	}
	if ms1.Configured("hidden") {
		t.Error("excluded process must not be configured")
	}
	if pol, _ := ms1.Policy("square"); pol.ResultStorage != ResultStorageRemote {
		t.Errorf("result storage = %q", pol.ResultStorage)
	}

	zeta := provs[1]
	if zeta.Timeout != 60*time.Second {
		t.Errorf("default timeout not applied: %s", zeta.Timeout)
	}
	if pol, _ := zeta.Policy("traffic-sim"); !pol.Anonymous || !pol.Deterministic {
		t.Errorf("policy flags lost: %+v", pol)
	}
}

func TestLoadFileRejectsBadNames(t *testing.T) {
	path := writeProviders(t, "bad name:\n  url: http://x\n  processes: {}\n")
	if _, err := LoadFile(path, nil, time.Minute); err == nil {
		t.Fatal("expected invalid provider name to be rejected")
	}
}

func TestLoadFileDecryptsSecrets(t *testing.T) {
	enc, err := crypto.NewEncryptor("test-key")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := enc.Encrypt("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	yaml := "ms1:\n  url: http://ms1\n  authentication:\n    type: BasicAuth\n    user: u\n    password: " + sealed + "\n  processes: {}\n"
	path := writeProviders(t, yaml)

	provs, err := LoadFile(path, enc, time.Minute)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if provs[0].Auth.Password != "s3cret" {
		t.Errorf("password not decrypted: %q", provs[0].Auth.Password)
	}
}

func TestAuthHeaders(t *testing.T) {
	basic := &AuthSpec{Type: AuthBasic, User: "u", Password: "p"}
	h := basic.Headers()
	if h["Authorization"] != "Basic dTpw" {
		t.Errorf("basic auth header = %q", h["Authorization"])
	}

	bearer := &AuthSpec{Type: AuthBearer, Token: "tok"}
	if bearer.Headers()["Authorization"] != "Bearer tok" {
		t.Error("bearer header wrong")
	}

	var none *AuthSpec
	if none.Headers() != nil {
		t.Error("nil spec should produce no headers")
	}
}

func TestRegistryResolve(t *testing.T) {
	path := writeProviders(t, sampleYAML)
	provs, err := LoadFile(path, nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(provs)

	p, id, err := reg.Resolve("ms1:square")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Name != "ms1" || id.Bare != "square" {
		t.Errorf("Resolve = %s, %+v", p.Name, id)
	}

	if _, _, err := reg.Resolve("nosuch:square"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("unknown provider should be ErrNotFound, got %v", err)
	}
	if _, _, err := reg.Resolve("not a canonical id"); !errors.Is(err, gateway.ErrInvalidInput) {
		t.Errorf("malformed id should be ErrInvalidInput, got %v", err)
	}
}

func TestRegistryReplaceIsAtomic(t *testing.T) {
	reg := NewRegistry([]*Provider{{Name: "a", BaseURL: "http://a"}})
	old := reg.List()

	reg.Replace([]*Provider{{Name: "b", BaseURL: "http://b"}})

	// The earlier slice still reflects the old generation.
	if len(old) != 1 || old[0].Name != "a" {
		t.Error("old snapshot mutated by Replace")
	}
	if got := reg.List(); len(got) != 1 || got[0].Name != "b" {
		t.Errorf("new snapshot = %+v", got)
	}
	if reg.Get("a") != nil {
		t.Error("provider a should be gone after Replace")
	}
}
