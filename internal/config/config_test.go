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

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %s, want 5s", cfg.PollInterval)
	}
	if cfg.ForwardMaxRetries != 3 {
		t.Errorf("ForwardMaxRetries = %d, want 3", cfg.ForwardMaxRetries)
	}
	if !cfg.RewriteRemoteLinks {
		t.Error("RewriteRemoteLinks should default to true")
	}
	if cfg.PollTimeout != 0 {
		t.Errorf("PollTimeout = %s, want unset (0)", cfg.PollTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("UMP_POLL_INTERVAL_S", "0.05")
	t.Setenv("UMP_FORWARD_MAX_RETRIES", "5")
	t.Setenv("UMP_FORWARD_RETRY_BASE_S", "0.01")
	t.Setenv("UMP_REWRITE_REMOTE_LINKS", "false")
	t.Setenv("UMP_API_SERVER_URL", "https://gateway.example.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 50*time.Millisecond {
		t.Errorf("PollInterval = %s, want 50ms", cfg.PollInterval)
	}
	if cfg.ForwardMaxRetries != 5 {
		t.Errorf("ForwardMaxRetries = %d, want 5", cfg.ForwardMaxRetries)
	}
	if cfg.RewriteRemoteLinks {
		t.Error("RewriteRemoteLinks should be false")
	}
	if cfg.APIServerURL != "https://gateway.example.org" {
		t.Errorf("APIServerURL = %q", cfg.APIServerURL)
	}
}

func TestValidateRejectsZeroAttempts(t *testing.T) {
	cfg := Default()
	cfg.ForwardMaxRetries = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero-attempt configuration to be rejected")
	}
}

func TestValidateRejectsBadBackoff(t *testing.T) {
	cfg := Default()
	cfg.ForwardRetryMax = cfg.ForwardRetryBase / 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected max < base backoff to be rejected")
	}
}
