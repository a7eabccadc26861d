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

// Package upstream is the gateway's outbound HTTP port. It issues requests
// against provider endpoints with per-call timeouts, maps transport
// failures into the gateway's error taxonomy, and returns upstream 4xx/5xx
// responses verbatim: classifying those is the caller's job.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes bounds how much of an upstream body is read into memory.
const maxBodyBytes = 16 << 20

// Response is the outcome of a successfully transported request. The body
// is raw bytes; DecodeJSON parses it when the caller needs structure.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// DecodeJSON unmarshals the body into v. When the body is not valid JSON a
// BadGatewayError is returned, since the caller required structure the
// upstream did not deliver.
func (r *Response) DecodeJSON(url string, v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return &BadGatewayError{URL: url, Reason: "empty body where JSON was required"}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &BadGatewayError{URL: url, Reason: "body is not valid JSON: " + err.Error()}
	}
	return nil
}

// Location returns the Location header, or "".
func (r *Response) Location() string {
	return r.Header.Get("Location")
}

// Client is a shared outbound HTTP client. One instance is built at startup
// and handed to every component that talks to providers; Close releases the
// underlying connection pool on shutdown.
type Client struct {
	hc  *http.Client
	log *slog.Logger
}

// NewClient builds a Client with a pooled transport. Per-request deadlines
// come from the caller; the transport itself carries no overall timeout.
func NewClient(logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		hc:  &http.Client{Transport: transport},
		log: logger,
	}
}

// Get issues a GET with the given timeout and extra headers.
func (c *Client) Get(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, timeout, headers)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, url string, body []byte, timeout time.Duration, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, body, timeout, headers)
}

// Head issues a HEAD request. Used by the results verifier.
func (c *Client) Head(ctx context.Context, url string, timeout time.Duration, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodHead, url, nil, timeout, headers)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, timeout time.Duration, headers map[string]string) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, c.mapError(url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.mapError(url, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// mapError converts transport failures into the typed taxonomy. Deadline
// and timeout conditions become TimeoutError, the rest TransportError.
func (c *Client) mapError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &TimeoutError{URL: url, Err: err}
	}
	return &TransportError{URL: url, Err: err}
}

// Close releases idle connections held by the pool.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}
