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

// Package config loads the gateway's runtime configuration from UMP_*
// environment variables. Flags in cmd/ump override these values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration of the gateway.
type Config struct {
	HTTPAddr      string // UMP_HTTP_ADDR
	APIServerURL  string // UMP_API_SERVER_URL: public base URL for self links
	DBPath        string // UMP_DB_PATH
	ProvidersFile string // UMP_PROVIDERS_FILE
	EncryptionKey string // UMP_ENCRYPTION_KEY (do not log value)
	LogLevel      string // UMP_LOG_LEVEL: debug|info|warn|error

	PollInterval   time.Duration // UMP_POLL_INTERVAL_S
	PollTimeout    time.Duration // UMP_POLL_TIMEOUT_S; 0 disables the deadline
	PollMaxRetries int           // UMP_POLL_MAX_RETRIES: per-poll attempt budget

	ForwardMaxRetries int           // UMP_FORWARD_MAX_RETRIES
	ForwardRetryBase  time.Duration // UMP_FORWARD_RETRY_BASE_S
	ForwardRetryMax   time.Duration // UMP_FORWARD_RETRY_MAX_S

	RewriteRemoteLinks bool          // UMP_REWRITE_REMOTE_LINKS
	ProcessCacheTTL    time.Duration // UMP_PROCESS_CACHE_TTL_S
	UpstreamTimeout    time.Duration // UMP_UPSTREAM_TIMEOUT_S: default per-provider timeout

	ResultsVerifyDowngrade bool          // UMP_RESULTS_VERIFY_DOWNGRADE: failed probe downgrades the job
	ShutdownGrace          time.Duration // UMP_SHUTDOWN_GRACE_S
}

// Default returns the defaults documented in the configuration reference.
func Default() Config {
	return Config{
		HTTPAddr:               ":5000",
		APIServerURL:           "http://localhost:5000",
		DBPath:                 "./ump.db",
		ProvidersFile:          "./providers.yaml",
		EncryptionKey:          "",
		LogLevel:               "info",
		PollInterval:           5 * time.Second,
		PollTimeout:            0,
		PollMaxRetries:         1,
		ForwardMaxRetries:      3,
		ForwardRetryBase:       1 * time.Second,
		ForwardRetryMax:        5 * time.Second,
		RewriteRemoteLinks:     true,
		ProcessCacheTTL:        60 * time.Second,
		UpstreamTimeout:        60 * time.Second,
		ResultsVerifyDowngrade: false,
		ShutdownGrace:          10 * time.Second,
	}
}

// Load builds the Config from the environment on top of Default.
func Load() (Config, error) {
	def := Default()

	cfg := Config{
		HTTPAddr:               getenv("UMP_HTTP_ADDR", def.HTTPAddr),
		APIServerURL:           getenv("UMP_API_SERVER_URL", def.APIServerURL),
		DBPath:                 getenv("UMP_DB_PATH", def.DBPath),
		ProvidersFile:          getenv("UMP_PROVIDERS_FILE", def.ProvidersFile),
		EncryptionKey:          getenv("UMP_ENCRYPTION_KEY", def.EncryptionKey),
		LogLevel:               getenv("UMP_LOG_LEVEL", def.LogLevel),
		PollInterval:           getenvSeconds("UMP_POLL_INTERVAL_S", def.PollInterval),
		PollTimeout:            getenvSeconds("UMP_POLL_TIMEOUT_S", def.PollTimeout),
		PollMaxRetries:         getenvInt("UMP_POLL_MAX_RETRIES", def.PollMaxRetries),
		ForwardMaxRetries:      getenvInt("UMP_FORWARD_MAX_RETRIES", def.ForwardMaxRetries),
		ForwardRetryBase:       getenvSeconds("UMP_FORWARD_RETRY_BASE_S", def.ForwardRetryBase),
		ForwardRetryMax:        getenvSeconds("UMP_FORWARD_RETRY_MAX_S", def.ForwardRetryMax),
		RewriteRemoteLinks:     getenvBool("UMP_REWRITE_REMOTE_LINKS", def.RewriteRemoteLinks),
		ProcessCacheTTL:        getenvSeconds("UMP_PROCESS_CACHE_TTL_S", def.ProcessCacheTTL),
		UpstreamTimeout:        getenvSeconds("UMP_UPSTREAM_TIMEOUT_S", def.UpstreamTimeout),
		ResultsVerifyDowngrade: getenvBool("UMP_RESULTS_VERIFY_DOWNGRADE", def.ResultsVerifyDowngrade),
		ShutdownGrace:          getenvSeconds("UMP_SHUTDOWN_GRACE_S", def.ShutdownGrace),
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c Config) Validate() error {
	if c.ForwardMaxRetries < 1 {
		return fmt.Errorf("UMP_FORWARD_MAX_RETRIES must be at least 1, got %d", c.ForwardMaxRetries)
	}
	if c.PollMaxRetries < 1 {
		return fmt.Errorf("UMP_POLL_MAX_RETRIES must be at least 1, got %d", c.PollMaxRetries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("UMP_POLL_INTERVAL_S must be positive, got %s", c.PollInterval)
	}
	if c.ForwardRetryBase <= 0 || c.ForwardRetryMax < c.ForwardRetryBase {
		return fmt.Errorf("invalid retry backoff: base=%s max=%s", c.ForwardRetryBase, c.ForwardRetryMax)
	}
	if c.ProcessCacheTTL < 0 {
		return fmt.Errorf("UMP_PROCESS_CACHE_TTL_S must not be negative, got %s", c.ProcessCacheTTL)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UMP_UPSTREAM_TIMEOUT_S must be positive, got %s", c.UpstreamTimeout)
	}
	if c.APIServerURL == "" {
		return fmt.Errorf("UMP_API_SERVER_URL must not be empty")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvSeconds parses a float number of seconds, e.g. "0.5" or "60".
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}
