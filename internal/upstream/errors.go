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

package upstream

import "fmt"

// TransportError covers unreachable hosts, connection resets and other
// network-level failures where no HTTP response was obtained.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError covers deadline-exceeded failures. Semantically equivalent
// to an HTTP 504 from the gateway's point of view.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout for %s: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// BadGatewayError is raised when a caller required a JSON body and the
// upstream returned something else. Semantically an HTTP 502.
type BadGatewayError struct {
	URL    string
	Reason string
}

func (e *BadGatewayError) Error() string {
	return fmt.Sprintf("upstream returned unusable response for %s: %s", e.URL, e.Reason)
}
