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

// Package retry wraps upstream calls with transient-failure classification
// and exponential backoff. The policy only decides whether to try again;
// what to do with a final failure is the caller's business.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"ump/internal/metrics"
	"ump/internal/upstream"
)

const defaultJitterFrac = 0.2

// ErrExhausted wraps the last failure after all attempts were spent.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy holds the retry schedule. The zero value is unusable; build one
// with New.
type Policy struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
	JitterFrac  float64
	Log         *slog.Logger
}

// New validates and builds a Policy. Zero attempts are rejected: a call
// that can never run is a configuration bug, not a policy.
func New(maxAttempts int, baseWait, maxWait time.Duration, logger *slog.Logger) (Policy, error) {
	if maxAttempts < 1 {
		return Policy{}, fmt.Errorf("retry: max attempts must be at least 1, got %d", maxAttempts)
	}
	if baseWait <= 0 || maxWait < baseWait {
		return Policy{}, fmt.Errorf("retry: invalid backoff schedule base=%s max=%s", baseWait, maxWait)
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseWait:    baseWait,
		MaxWait:     maxWait,
		JitterFrac:  defaultJitterFrac,
		Log:         logger,
	}, nil
}

// Transient reports whether the outcome of one attempt warrants another.
// Transport and timeout failures are transient; among HTTP responses only
// 502, 503, 504, 408 and 429 are.
func Transient(err error, resp *upstream.Response) bool {
	if err != nil {
		var te *upstream.TimeoutError
		if errors.As(err, &te) {
			return true
		}
		var tr *upstream.TransportError
		return errors.As(err, &tr)
	}
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Do runs fn up to MaxAttempts times. A 2xx response is returned
// immediately; a non-transient response is returned verbatim with a nil
// error so the caller can classify it. After exhaustion the last failure
// is surfaced wrapped in ErrExhausted, together with the last response
// when one exists.
func (p Policy) Do(ctx context.Context, provider, op string, fn func(context.Context) (*upstream.Response, error)) (*upstream.Response, error) {
	jitter := p.JitterFrac
	if jitter <= 0 {
		jitter = defaultJitterFrac
	}

	var lastErr error
	var lastResp *upstream.Response

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := fn(ctx)
		dur := time.Since(start)

		code := -1
		if resp != nil {
			code = resp.StatusCode
		}
		metrics.ObserveUpstreamRequest(provider, op, code, dur)

		if err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if !Transient(err, resp) {
			if err != nil {
				return nil, err
			}
			// Terminal upstream status; classification is the caller's job.
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if attempt == p.MaxAttempts {
			break
		}

		exp := attempt - 1
		if exp > 10 {
			exp = 10
		}
		backoff := p.BaseWait * (1 << exp)
		if backoff > p.MaxWait {
			backoff = p.MaxWait
		}
		// Spread sleeps +/- jitter around the backoff value.
		sleep := backoff - time.Duration(jitter*float64(backoff)) +
			time.Duration(rand.Float64()*jitter*float64(backoff)*2)

		metrics.IncUpstreamRetry(provider, op)
		p.Log.Debug("upstream retry", "provider", provider, "op", op,
			"attempt", attempt, "sleep", sleep, "statusCode", code, "err", errString(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if lastResp != nil {
		return lastResp, fmt.Errorf("%w after %d attempts, last status %d", ErrExhausted, p.MaxAttempts, lastResp.StatusCode)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, p.MaxAttempts, lastErr)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
