package ata

import (
	"fmt"
	"strings"
)

// Totals are the derived figures shown on the Ata and the live form.
type Totals struct {
	TotalMusicians        int `json:"totalMusicians"`
	TotalOrganists        int `json:"totalOrganists"`
	TotalMinistry         int `json:"totalMinistry"`
	TotalOverall          int `json:"totalOverall"`
	ActiveInstrumentCount int `json:"activeInstrumentCount"`
	MinistryRoleCount     int `json:"ministryRoleCount"`
}

// TotalsPolicy decides how instruments and the organists field add up.
type TotalsPolicy interface {
	Name() string
	Totals(r Record) Totals
}

// Policy names accepted by PolicyByName.
const (
	PolicySeparate = "separate"
	PolicyFamily   = "family"
)

// SeparateOrganists counts every instrument as a musician and takes
// organists from the organists field.
type SeparateOrganists struct{}

func (SeparateOrganists) Name() string { return PolicySeparate }

func (SeparateOrganists) Totals(r Record) Totals {
	return finish(r, r.Instruments.Sum(), r.Organists)
}

// FamilyDerived moves organ-family instruments into the organists total and
// ignores the organists field.
type FamilyDerived struct {
	Families *FamilyTable
}

func (FamilyDerived) Name() string { return PolicyFamily }

func (p FamilyDerived) Totals(r Record) Totals {
	musicians, organists := 0, 0
	for _, name := range r.Instruments.Keys() {
		n := r.Instruments.Count(name)
		if p.Families.IsOrgan(name) {
			organists += n
		} else {
			musicians += n
		}
	}
	return finish(r, musicians, organists)
}

func finish(r Record, musicians, organists int) Totals {
	t := Totals{
		TotalMusicians:    musicians,
		TotalOrganists:    organists,
		TotalMinistry:     r.Ministry.Headcount(),
		MinistryRoleCount: r.Ministry.Len(),
	}
	for _, name := range r.Instruments.Keys() {
		if r.Instruments.Count(name) > 0 {
			t.ActiveInstrumentCount++
		}
	}
	t.TotalOverall = t.TotalMusicians + t.TotalOrganists + t.TotalMinistry
	return t
}

// PolicyByName resolves a configured policy name. An empty name selects
// the separate policy.
func PolicyByName(name string, families *FamilyTable) (TotalsPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicySeparate:
		return SeparateOrganists{}, nil
	case PolicyFamily:
		return FamilyDerived{Families: families}, nil
	default:
		return nil, fmt.Errorf("unknown totals policy %q", name)
	}
}

// Stamp copies the policy's musicians and organists totals into the stored
// scalar fields, so the stored row and the diff agree with the Ata.
func (r *Record) Stamp(policy TotalsPolicy) {
	if policy == nil {
		policy = SeparateOrganists{}
	}
	t := policy.Totals(*r)
	r.Musicians = t.TotalMusicians
	r.Organists = t.TotalOrganists
}

// ComputeTotals applies the default policy.
func ComputeTotals(r Record) Totals {
	return SeparateOrganists{}.Totals(r)
}
