package ata

import (
	"reflect"
	"testing"
)

func changeSet(changes []Change) map[string]Change {
	out := make(map[string]Change, len(changes))
	for _, c := range changes {
		out[c.Field] = c
	}
	return out
}

func TestDiffOnlyFlautas(t *testing.T) {
	prev := Record{Instruments: InstrumentsOf("Violinos", 26, "Flautas", 5), Organists: 4, Musicians: 31}
	next := prev.Clone()
	next.SetCount("Flautas", 8)

	got := Differ{}.Diff(&prev, next)
	want := []Change{{Field: "instrument.Flautas", Old: 5, New: 8}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Diff = %+v, want %+v", got, want)
	}
}

func TestDiffStampedMusicians(t *testing.T) {
	prev := Record{Instruments: InstrumentsOf("Flautas", 5)}
	prev.Stamp(nil)
	next := prev.Clone()
	next.SetCount("Flautas", 8)
	next.Stamp(SeparateOrganists{})

	got := Differ{}.Diff(&prev, next)
	want := []Change{
		{Field: FieldMusicians, Old: 5, New: 8},
		{Field: "instrument.Flautas", Old: 5, New: 8},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Diff = %+v, want %+v", got, want)
	}
}

func TestDiffIdentical(t *testing.T) {
	var m Ministry
	m.Set("Anciães", Names("A"))
	a := Record{Instruments: InstrumentsOf("Violinos", 3, "Violão", 1), Organists: 2, Ministry: m}
	for _, d := range []Differ{{}, {IncludeMinistry: true}} {
		if got := d.Diff(&a, a.Clone()); len(got) != 0 {
			t.Fatalf("Diff(A, A) = %+v", got)
		}
	}
}

func TestDiffBaseline(t *testing.T) {
	got := Differ{}.Diff(nil, Record{})
	want := []Change{
		{Field: FieldMusicians, Old: 0, New: 0},
		{Field: FieldOrganists, Old: 0, New: 0},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Diff(nil, zero) = %+v", got)
	}

	got = Differ{}.Diff(nil, Record{Instruments: InstrumentsOf("Violas", 2, "Tubas", 0), Organists: 3, Musicians: 2})
	set := changeSet(got)
	if len(got) != 3 || set[FieldMusicians].New != 2 || set[FieldOrganists].New != 3 || set["instrument.Violas"].New != 2 {
		t.Fatalf("Diff(nil, r) = %+v", got)
	}
}

func TestDiffUnionOfKeys(t *testing.T) {
	prev := Record{Instruments: InstrumentsOf("Violinos", 2, "Violão", 1)}
	next := Record{Instruments: InstrumentsOf("Violinos", 2, "Cavaquinho", 1)}
	set := changeSet(Differ{}.Diff(&prev, next))
	if c := set["instrument.Violão"]; c.Old != 1 || c.New != 0 {
		t.Fatalf("removed key = %+v", c)
	}
	if c := set["instrument.Cavaquinho"]; c.Old != 0 || c.New != 1 {
		t.Fatalf("added key = %+v", c)
	}
	if _, ok := set[FieldMusicians]; ok {
		t.Fatal("musicians total did not change")
	}
}

func TestDiffMinistryToggle(t *testing.T) {
	var before, after Ministry
	before.Set("Anciães", Names("A", "B"))
	before.Set("Diáconos", Headcount(2))
	after.Set("Anciães", Names("B", "C"))
	after.Set("Diáconos", Names("D", "E"))
	after.Set("Cooperadores", Names("F"))
	prev := Record{Ministry: before}
	next := Record{Ministry: after}

	if got := (Differ{}).Diff(&prev, next); len(got) != 0 {
		t.Fatalf("ministry diff without toggle = %+v", got)
	}

	set := changeSet(Differ{IncludeMinistry: true}.Diff(&prev, next))
	if _, ok := set["ministerio.Anciães"]; ok {
		t.Fatal("headcount unchanged for Anciães")
	}
	if c := set["ministerio.Anciães.names"]; !reflect.DeepEqual(c.New, []string{"B", "C"}) {
		t.Fatalf("Anciães names = %+v", c)
	}
	if c, ok := set["ministerio.Diáconos.names"]; !ok || !reflect.DeepEqual(c.Old, []string{}) {
		t.Fatalf("Diáconos names = %+v", c)
	}
	if c := set["ministerio.Cooperadores"]; c.Old != 0 || c.New != 1 {
		t.Fatalf("Cooperadores = %+v", c)
	}
	if len(set) != 4 {
		t.Fatalf("changes = %+v", set)
	}
}

func TestLogEntries(t *testing.T) {
	entries := LogEntries(7, Record{}.Timestamp, []Change{{Field: "instrument.Flautas", Old: 5, New: 8}})
	if len(entries) != 1 || entries[0].SnapshotID != 7 || entries[0].Field != "instrument.Flautas" || entries[0].NewValue != 8 {
		t.Fatalf("entries = %+v", entries)
	}
}
