// SPDX-FileCopyrightText: Copyright 2026 The Gatekey Authors
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"encoding/json"
	"maps"
)

// Claims is the claims bag carried into issued tokens. Values are restricted
// to what JSON can round-trip exactly: string, float64, bool, []any, and
// map[string]any. Nested structure is preserved on serialization so that
// object claims like the RFC 8693 "act" delegation chain survive intact.
type Claims map[string]any

// Clone returns a deep copy of the claims bag. Nested maps and slices are
// copied so that mutation of the clone never leaks into the original.
func (c Claims) Clone() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(tv))
		for k, vv := range tv {
			m[k] = deepCopyValue(vv)
		}
		return m
	case Claims:
		return map[string]any(tv.Clone())
	case []any:
		s := make([]any, len(tv))
		for i, vv := range tv {
			s[i] = deepCopyValue(vv)
		}
		return s
	case []string:
		s := make([]string, len(tv))
		copy(s, tv)
		return s
	default:
		return v
	}
}

// Merge copies every claim from other into c, overwriting existing keys.
func (c Claims) Merge(other Claims) {
	maps.Copy(c, other)
}

// GetString returns the claim as a string, or "" if absent or not a string.
func (c Claims) GetString(key string) string {
	s, _ := c[key].(string)
	return s
}

// GetStrings returns the claim as a string slice. It accepts both []string
// and the []any form produced by JSON round-trips.
func (c Claims) GetStrings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// PrependActor inserts an "act" claim identifying actorSubject, chaining any
// existing act claim underneath per RFC 8693 Section 4.1:
//
//	act: {sub: <actor>, act: {sub: <previous actor>, ...}}
func (c Claims) PrependActor(actorSubject string) {
	act := map[string]any{"sub": actorSubject}
	if prev, ok := c["act"]; ok {
		act["act"] = deepCopyValue(prev)
	}
	c["act"] = act
}

// RoundTrip serializes the claims to JSON and back, normalizing all values
// to their JSON representation (numbers become float64, slices []any). Used
// before persisting claims snapshots so stored and live claims compare equal.
func (c Claims) RoundTrip() (Claims, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Claims
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
