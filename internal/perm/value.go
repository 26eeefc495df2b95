// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package perm

import (
	"strings"

	"github.com/samber/oops"
)

// Value is the tri-state setting of one capability inside an overwrite.
type Value int8

// Capability values. Inherit is the zero value: a capability missing from
// an overwrite inherits from the server-level role permissions.
const (
	Inherit Value = iota
	Allow
	Deny
)

// ParseValue parses "allow", "deny" or "inherit". The console spellings
// "true"/"false"/"default" are accepted too.
func ParseValue(s string) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "true", "yes", "y":
		return Allow, nil
	case "deny", "false", "no", "n":
		return Deny, nil
	case "inherit", "default", "none", "":
		return Inherit, nil
	default:
		return Inherit, oops.Code(CodeUnknownValue).
			With("value", s).
			Errorf("unknown capability value %q (want allow, deny or inherit)", s)
	}
}

func (v Value) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "inherit"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := ParseValue(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
