package ata

import (
	"sort"
)

// Change is one field-level difference between two snapshots.
type Change struct {
	Field string `json:"field"`
	Old   any    `json:"old_value"`
	New   any    `json:"new_value"`
}

// Scalar field names in the change log.
const (
	FieldMusicians = "musicians"
	FieldOrganists = "organists"
)

// Differ computes audit entries between consecutive snapshots.
type Differ struct {
	// IncludeMinistry adds ministerio.<role> and ministerio.<role>.names
	// entries.
	IncludeMinistry bool
}

// Diff compares next against prev. The musicians and organists scalars are
// the stored fields; see Record.Stamp. A nil prev is treated as all zeros
// and always yields both scalar entries.
func (d Differ) Diff(prev *Record, next Record) []Change {
	var changes []Change
	if prev == nil {
		changes = append(changes,
			Change{Field: FieldMusicians, Old: 0, New: next.Musicians},
			Change{Field: FieldOrganists, Old: 0, New: next.Organists},
		)
		prev = &Record{}
	} else {
		if prev.Musicians != next.Musicians {
			changes = append(changes, Change{Field: FieldMusicians, Old: prev.Musicians, New: next.Musicians})
		}
		if prev.Organists != next.Organists {
			changes = append(changes, Change{Field: FieldOrganists, Old: prev.Organists, New: next.Organists})
		}
	}

	for _, name := range unionKeys(prev.Instruments.Keys(), next.Instruments.Keys()) {
		before, after := prev.Instruments.Count(name), next.Instruments.Count(name)
		if before != after {
			changes = append(changes, Change{Field: "instrument." + name, Old: before, New: after})
		}
	}

	if d.IncludeMinistry {
		changes = append(changes, diffMinistry(prev.Ministry, next.Ministry)...)
	}
	return changes
}

func diffMinistry(prev, next Ministry) []Change {
	var changes []Change
	for _, role := range unionKeys(prev.Keys(), next.Keys()) {
		before, _ := prev.Get(role)
		after, _ := next.Get(role)
		if before.Count() != after.Count() {
			changes = append(changes, Change{Field: "ministerio." + role, Old: before.Count(), New: after.Count()})
		}
		oldNames, newNames := nonNil(before.People()), nonNil(after.People())
		if !sameMembers(oldNames, newNames) {
			changes = append(changes, Change{Field: "ministerio." + role + ".names", Old: oldNames, New: newNames})
		}
	}
	return changes
}

func unionKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// sameMembers compares two name lists as multisets.
func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
