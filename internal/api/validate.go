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

package api

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"ump/pkg/gateway"
	"ump/pkg/ogc"
)

// executeRequest is the OGC execute request body as far as the gateway
// inspects it. Outputs stay opaque.
type executeRequest struct {
	Inputs  map[string]json.RawMessage `json:"inputs"`
	Outputs json.RawMessage            `json:"outputs,omitempty"`
}

// inputSpec is the slice of an OGC input description the gateway checks
// before forwarding. Anything the provider declares beyond this passes
// through untouched.
type inputSpec struct {
	Required  *bool        `json:"required"`
	MinOccurs *int         `json:"minOccurs"`
	Schema    *inputSchema `json:"schema"`
}

type inputSchema struct {
	Type        string       `json:"type"`
	Required    *bool        `json:"required"`
	Minimum     *float64     `json:"minimum"`
	Maximum     *float64     `json:"maximum"`
	MinLength   *int         `json:"minLength"`
	MaxLength   *int         `json:"maxLength"`
	Pattern     string       `json:"pattern"`
	Items       *inputSchema `json:"items"`
	MinItems    *int         `json:"minItems"`
	UniqueItems bool         `json:"uniqueItems"`
}

// required defaults to false: an input with no minOccurs and no required
// flag may be omitted.
func (s *inputSpec) required() bool {
	if s.Required != nil {
		return *s.Required
	}
	if s.Schema != nil && s.Schema.Required != nil {
		return *s.Schema.Required
	}
	return s.MinOccurs != nil && *s.MinOccurs > 0
}

// validateExecuteBody rejects bodies that are not JSON objects, input names
// the process description does not declare, missing required inputs, and
// values that violate the declared input schemas. Violations never create a
// job.
func validateExecuteBody(body []byte, desc *ogc.ProcessDescription) error {
	var req executeRequest
	dec := json.NewDecoder(strings.NewReader(string(body)))
	if err := dec.Decode(&req); err != nil {
		return errors.Join(gateway.ErrInvalidInput, errors.New("execute body is not a JSON object: "+err.Error()))
	}
	if len(desc.Inputs) == 0 {
		return nil
	}

	for name := range req.Inputs {
		if _, ok := desc.Inputs[name]; !ok {
			return errors.Join(gateway.ErrInvalidInput, errors.New("unknown input "+strconv.Quote(name)))
		}
	}

	for name, raw := range desc.Inputs {
		var spec inputSpec
		if err := json.Unmarshal(raw, &spec); err != nil || spec.Schema == nil {
			// An undeclared or unparsable schema is the provider's
			// business; the value passes through untouched.
			continue
		}
		value, ok := req.Inputs[name]
		if !ok {
			if spec.required() {
				return errors.Join(gateway.ErrInvalidInput, errors.New("missing required input "+strconv.Quote(name)))
			}
			continue
		}
		if err := validateValue(value, spec.Schema); err != nil {
			return errors.Join(gateway.ErrInvalidInput, errors.New("input "+strconv.Quote(name)+": "+err.Error()))
		}
	}
	return nil
}

func validateValue(raw json.RawMessage, schema *inputSchema) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return errors.New("malformed JSON value")
	}

	switch schema.Type {
	case "number", "integer":
		if _, ok := v.(float64); !ok {
			return errors.New("expected a number")
		}
	case "string":
		s, ok := v.(string)
		if !ok {
			return errors.New("expected a string")
		}
		if schema.MinLength != nil && len(s) < *schema.MinLength {
			return errors.New("shorter than minLength " + strconv.Itoa(*schema.MinLength))
		}
		if schema.MaxLength != nil && len(s) > *schema.MaxLength {
			return errors.New("longer than maxLength " + strconv.Itoa(*schema.MaxLength))
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return errors.New("expected an array")
		}
		if err := validateArray(items, schema); err != nil {
			return err
		}
	}

	if n, ok := v.(float64); ok {
		if schema.Minimum != nil && n < *schema.Minimum {
			return errors.New("below minimum " + strconv.FormatFloat(*schema.Minimum, 'g', -1, 64))
		}
		if schema.Maximum != nil && n > *schema.Maximum {
			return errors.New("above maximum " + strconv.FormatFloat(*schema.Maximum, 'g', -1, 64))
		}
	}
	if s, ok := v.(string); ok && schema.Pattern != "" {
		// An unanchored match, like the providers the original federates
		// expect. A pattern Go's regexp cannot compile is skipped rather
		// than failing the request.
		if re, err := regexp.Compile(schema.Pattern); err == nil && !re.MatchString(s) {
			return errors.New("does not match pattern " + strconv.Quote(schema.Pattern))
		}
	}
	return nil
}

func validateArray(items []any, schema *inputSchema) error {
	if schema.MinItems != nil && len(items) < *schema.MinItems {
		return errors.New("fewer than minItems " + strconv.Itoa(*schema.MinItems))
	}
	if schema.Items != nil {
		for i, item := range items {
			switch schema.Items.Type {
			case "string":
				if _, ok := item.(string); !ok {
					return errors.New("element " + strconv.Itoa(i) + " is not a string")
				}
			case "number", "integer":
				if _, ok := item.(float64); !ok {
					return errors.New("element " + strconv.Itoa(i) + " is not a number")
				}
			}
		}
	}
	if schema.UniqueItems {
		seen := make(map[string]struct{}, len(items))
		for _, item := range items {
			key, err := json.Marshal(item)
			if err != nil {
				continue
			}
			if _, dup := seen[string(key)]; dup {
				return errors.New("duplicate elements with uniqueItems")
			}
			seen[string(key)] = struct{}{}
		}
	}
	return nil
}
