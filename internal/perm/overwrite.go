// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

package perm

import (
	"cmp"
	"strings"

	"github.com/samber/oops"
)

// PrincipalType distinguishes role overwrites from member overwrites.
type PrincipalType string

// Principal types, in the order overwrites are listed.
const (
	PrincipalRole   PrincipalType = "role"
	PrincipalMember PrincipalType = "member"
)

func (t PrincipalType) rank() int {
	if t == PrincipalRole {
		return 0
	}
	return 1
}

// Principal is the role or member an overwrite is scoped to.
type Principal struct {
	Type PrincipalType `json:"type"`
	ID   string        `json:"id"`
}

// Role returns a role principal.
func Role(id string) Principal { return Principal{Type: PrincipalRole, ID: id} }

// Member returns a member principal.
func Member(id string) Principal { return Principal{Type: PrincipalMember, ID: id} }

func (p Principal) String() string { return string(p.Type) + ":" + p.ID }

// ComparePrincipals orders roles before members, then by id.
func ComparePrincipals(a, b Principal) int {
	if c := cmp.Compare(a.Type.rank(), b.Type.rank()); c != 0 {
		return c
	}
	return CompareIDs(a.ID, b.ID)
}

// CompareIDs orders snowflake ids numerically when both are numeric and
// lexically otherwise.
func CompareIDs(a, b string) int {
	if isDigits(a) && isDigits(b) && len(a) != len(b) {
		return cmp.Compare(len(a), len(b))
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Values holds the explicit (allow or deny) capability values of an
// overwrite. Inherit is never stored; a missing key means inherit.
type Values map[Capability]Value

// Get returns the value of c, Inherit when unset.
func (v Values) Get(c Capability) Value {
	return v[c]
}

// Clone returns a copy of v that never aliases it.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for c, val := range v {
		if val != Inherit {
			out[c] = val
		}
	}
	return out
}

// Equal compares v and o at capability granularity.
func (v Values) Equal(o Values) bool {
	for _, c := range All() {
		if v.Get(c) != o.Get(c) {
			return false
		}
	}
	return true
}

// Capabilities lists the explicit capabilities in bit order.
func (v Values) Capabilities() []Capability {
	out := make([]Capability, 0, len(v))
	for c, val := range v {
		if val != Inherit {
			out = append(out, c)
		}
	}
	SortCapabilities(out)
	return out
}

// Apply returns a copy of v with p overlaid. Inherit entries in p clear
// the capability.
func (v Values) Apply(p Patch) Values {
	out := v.Clone()
	for c, val := range p {
		if val == Inherit {
			delete(out, c)
			continue
		}
		out[c] = val
	}
	return out
}

// AsPatch returns the explicit values of v as a patch.
func (v Values) AsPatch() Patch {
	out := make(Patch, len(v))
	for c, val := range v {
		if val != Inherit {
			out[c] = val
		}
	}
	return out
}

// Bits returns the Discord allow and deny bitfields for v.
func (v Values) Bits() (allow, deny int64) {
	for c, val := range v {
		switch val {
		case Allow:
			allow |= c.Bit()
		case Deny:
			deny |= c.Bit()
		}
	}
	return allow, deny
}

// Patch is a set of desired capability values. Unlike Values it may carry
// Inherit entries, which reset a capability when applied.
type Patch map[Capability]Value

// ParsePatch parses "name=value" pairs separated by commas, e.g.
// "view_channel=allow,send_messages=deny". The name "all" expands to
// every capability.
func ParsePatch(spec string) (Patch, error) {
	out := make(Patch)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, oops.Code(CodeUnknownValue).
				With("setting", part).
				Errorf("setting %q is not of the form capability=value", part)
		}
		val, err := ParseValue(raw)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			for _, c := range All() {
				out[c] = val
			}
			continue
		}
		c, err := ParseCapability(name)
		if err != nil {
			return nil, err
		}
		out[c] = val
	}
	return out, nil
}

// ParseNamedValues converts a name→value map, as found in JSON documents,
// into a patch.
func ParseNamedValues(named map[string]string) (Patch, error) {
	out := make(Patch, len(named))
	for name, raw := range named {
		c, err := ParseCapability(name)
		if err != nil {
			return nil, err
		}
		val, err := ParseValue(raw)
		if err != nil {
			return nil, oops.With("capability", name).Wrap(err)
		}
		out[c] = val
	}
	return out, nil
}

// Capabilities lists the patched capabilities in bit order.
func (p Patch) Capabilities() []Capability {
	out := make([]Capability, 0, len(p))
	for c := range p {
		out = append(out, c)
	}
	SortCapabilities(out)
	return out
}

// Bitfield is a raw allow/deny pair.
type Bitfield struct {
	Allow int64 `json:"allow,omitempty"`
	Deny  int64 `json:"deny,omitempty"`
}

// IsZero reports whether no bit is set.
func (b Bitfield) IsZero() bool { return b.Allow == 0 && b.Deny == 0 }

// Overwrite is the set of explicit capability values for one principal on
// one channel. Unmanaged carries bits outside the known capability set so
// that writes and rollbacks never drop them.
type Overwrite struct {
	Channel   string    `json:"channel_id"`
	Principal Principal `json:"principal"`
	Values    Values    `json:"values,omitempty"`
	Unmanaged Bitfield  `json:"unmanaged,omitzero"`
}

// FromBits builds an overwrite from Discord allow/deny bitfields.
// When a bit is in both fields, deny wins.
func FromBits(channel string, p Principal, allow, deny int64) Overwrite {
	values := make(Values)
	for _, c := range All() {
		switch {
		case deny&c.Bit() != 0:
			values[c] = Deny
		case allow&c.Bit() != 0:
			values[c] = Allow
		}
	}
	return Overwrite{
		Channel:   channel,
		Principal: p,
		Values:    values,
		Unmanaged: Bitfield{Allow: allow &^ ManagedBits, Deny: deny &^ ManagedBits},
	}
}

// Bits returns the full allow/deny bitfields to send to the server.
func (o Overwrite) Bits() (allow, deny int64) {
	allow, deny = o.Values.Bits()
	return allow | o.Unmanaged.Allow, deny | o.Unmanaged.Deny
}

// IsEmpty reports whether every capability inherits, i.e. writing o is the
// same as removing the overwrite.
func (o Overwrite) IsEmpty() bool {
	return len(o.Values.Capabilities()) == 0 && o.Unmanaged.IsZero()
}

// Equal compares o and other at capability granularity.
func (o Overwrite) Equal(other Overwrite) bool {
	return o.Channel == other.Channel &&
		o.Principal == other.Principal &&
		o.Unmanaged == other.Unmanaged &&
		o.Values.Equal(other.Values)
}

// Clone returns a deep copy of o.
func (o Overwrite) Clone() Overwrite {
	o.Values = o.Values.Clone()
	return o
}

// With returns a copy of o with p applied to its values.
func (o Overwrite) With(p Patch) Overwrite {
	o.Values = o.Values.Apply(p)
	return o
}

// Merge returns a copy of o with the explicit values of other overlaid.
// Capabilities other leaves at inherit keep their value in o.
func (o Overwrite) Merge(other Overwrite) Overwrite {
	return o.With(other.Values.AsPatch())
}

// Empty returns the all-inherit overwrite for a (channel, principal) pair.
func Empty(channel string, p Principal) Overwrite {
	return Overwrite{Channel: channel, Principal: p, Values: Values{}}
}

// Key identifies the (channel, principal) pair an overwrite belongs to.
type Key struct {
	Channel   string
	Principal Principal
}

// Key returns the (channel, principal) pair of o.
func (o Overwrite) Key() Key {
	return Key{Channel: o.Channel, Principal: o.Principal}
}

// CompareKeys orders by channel, then principal.
func CompareKeys(a, b Key) int {
	if c := CompareIDs(a.Channel, b.Channel); c != 0 {
		return c
	}
	return ComparePrincipals(a.Principal, b.Principal)
}
