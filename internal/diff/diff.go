// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Permkeeper Contributors

// Package diff computes the minimal set of overwrite writes that moves the
// channels of a snapshot to a desired state.
//
// Every builder batches all capability changes for one (channel, principal)
// pair into a single entry, omits pairs that are already converged and
// orders entries by channel then principal, so a preview and the apply
// that follows it see exactly the same sequence.
package diff

import (
	"slices"

	"github.com/permkeeper/permkeeper/internal/perm"
)

// Mode records which desired specification produced a diff.
type Mode string

// Diff modes.
const (
	ModeBulk        Mode = "bulk"
	ModePattern     Mode = "pattern"
	ModeCopyMerge   Mode = "copy-merge"
	ModeCopyReplace Mode = "copy-replace"
	ModeImport      Mode = "import"
	ModeRollback    Mode = "rollback"
)

// Entry moves one (channel, principal) pair from Old to New. When Existed
// is false the pair had no overwrite. An empty New removes the overwrite.
type Entry struct {
	Old     perm.Overwrite `json:"old"`
	New     perm.Overwrite `json:"new"`
	Existed bool           `json:"existed"`
}

// Key returns the (channel, principal) pair the entry writes.
func (e Entry) Key() perm.Key { return e.New.Key() }

// Channel returns the target channel id.
func (e Entry) Channel() string { return e.New.Channel }

// Principal returns the target principal.
func (e Entry) Principal() perm.Principal { return e.New.Principal }

// Removes reports whether applying the entry deletes the overwrite.
func (e Entry) Removes() bool { return e.New.IsEmpty() }

// Inverse returns the entry that undoes e.
func (e Entry) Inverse() Entry {
	return Entry{Old: e.New.Clone(), New: e.Old.Clone(), Existed: !e.New.IsEmpty()}
}

// Change is one capability transition inside an entry.
type Change struct {
	Channel    string
	Principal  perm.Principal
	Capability perm.Capability
	Old        perm.Value
	New        perm.Value
}

// Changes lists the capabilities whose value differs between Old and New.
func (e Entry) Changes() []Change {
	var out []Change
	for _, c := range perm.All() {
		oldVal, newVal := e.Old.Values.Get(c), e.New.Values.Get(c)
		if oldVal == newVal {
			continue
		}
		out = append(out, Change{
			Channel:    e.Channel(),
			Principal:  e.Principal(),
			Capability: c,
			Old:        oldVal,
			New:        newVal,
		})
	}
	return out
}

// Diff is an ordered list of entries.
type Diff struct {
	Mode    Mode    `json:"mode"`
	Entries []Entry `json:"entries"`
}

// Empty reports whether the diff has nothing to write.
func (d *Diff) Empty() bool { return d == nil || len(d.Entries) == 0 }

// Len returns the number of entries.
func (d *Diff) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Entries)
}

// Changes flattens every entry into per-capability changes, in entry order.
func (d *Diff) Changes() []Change {
	if d == nil {
		return nil
	}
	var out []Change
	for _, e := range d.Entries {
		out = append(out, e.Changes()...)
	}
	return out
}

// Channels returns the distinct channels touched, in entry order.
func (d *Diff) Channels() []string {
	var out []string
	for _, e := range d.Entries {
		if !slices.Contains(out, e.Channel()) {
			out = append(out, e.Channel())
		}
	}
	return out
}

// builder accumulates entries for one diff.
type builder struct {
	mode    Mode
	entries map[perm.Key]Entry
}

func newBuilder(mode Mode) *builder {
	return &builder{mode: mode, entries: make(map[perm.Key]Entry)}
}

// propose records the desired overwrite for a pair; unchanged pairs are
// dropped. A later proposal for the same pair replaces the earlier one.
func (b *builder) propose(old perm.Overwrite, existed bool, desired perm.Overwrite) {
	key := desired.Key()
	if old.Equal(desired) {
		delete(b.entries, key)
		return
	}
	b.entries[key] = Entry{Old: old.Clone(), New: desired.Clone(), Existed: existed}
}

func (b *builder) build() *Diff {
	d := &Diff{Mode: b.mode, Entries: make([]Entry, 0, len(b.entries))}
	for _, e := range b.entries {
		d.Entries = append(d.Entries, e)
	}
	slices.SortFunc(d.Entries, func(a, b Entry) int {
		return perm.CompareKeys(a.Key(), b.Key())
	})
	return d
}
