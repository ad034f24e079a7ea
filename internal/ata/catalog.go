// Package ata holds the rehearsal tally model and the rules that turn a stored
// snapshot into the numbers printed on the minutes (the Ata): shape
// normalization, totals, change diffs and validation.
package ata

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultInstruments is the canonical instrument list in display order.
var DefaultInstruments = []string{
	"Violinos", "Violas", "Violoncelos", "Flautas", "Acordeons",
	"Clarinetes", "Clarones", "Oboés", "Saxofones", "Fagotes",
	"Cornets", "Saxhorns", "Trompetes", "Trompas", "Trombonitos",
	"Trombones", "Barítonos", "Bombardinos", "Bombardões", "Tubas",
}

// DefaultRoles are the ministry offices offered to clients when a session starts.
var DefaultRoles = []string{
	"Anciões",
	"Diáconos",
	"Cooperadores",
	"Cooperadores de Jovens",
	"Encarregados de Orquestra",
}

// Catalog is an immutable ordered set of canonical instrument names.
type Catalog struct {
	names []string
	index map[string]int
}

// NewCatalog builds a catalog from names in display order. Duplicates keep
// their first position.
func NewCatalog(names ...string) *Catalog {
	c := &Catalog{index: make(map[string]int, len(names))}
	for _, name := range names {
		if _, ok := c.index[name]; ok || name == "" {
			continue
		}
		c.index[name] = len(c.names)
		c.names = append(c.names, name)
	}
	return c
}

// DefaultCatalog returns the 20-instrument catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultInstruments...)
}

// Names returns a copy of the catalog in display order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// Contains reports whether name is a catalog instrument. Matching is exact.
func (c *Catalog) Contains(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.index[name]
	return ok
}

// Family names used by the default family table.
const (
	FamilyStrings    = "Cordas"
	FamilyWoodwinds  = "Madeiras"
	FamilyAccordions = "Acordeons"
	FamilyBrass      = "Metais"
	FamilyOrgan      = "Órgão"
)

// FamilyTable maps instrument names to their family. It is immutable once built.
type FamilyTable struct {
	byInstrument map[string]string
	order        []string
}

// NewFamilyTable builds a table from family -> instruments. Family order
// follows the order of the families argument.
func NewFamilyTable(families []string, members map[string][]string) *FamilyTable {
	t := &FamilyTable{byInstrument: make(map[string]string)}
	for _, family := range families {
		t.order = append(t.order, family)
		for _, name := range members[family] {
			t.byInstrument[name] = family
		}
	}
	return t
}

// DefaultFamilies returns the family grouping used by the tally forms plus the
// organ family used by the family-derived totals policy.
func DefaultFamilies() *FamilyTable {
	return NewFamilyTable(
		[]string{FamilyStrings, FamilyWoodwinds, FamilyAccordions, FamilyBrass, FamilyOrgan},
		map[string][]string{
			FamilyStrings:    {"Violinos", "Violas", "Violoncelos"},
			FamilyWoodwinds:  {"Flautas", "Clarinetes", "Clarones", "Oboés", "Saxofones", "Fagotes"},
			FamilyAccordions: {"Acordeons"},
			FamilyBrass:      {"Cornets", "Saxhorns", "Trompetes", "Trompas", "Trombonitos", "Trombones", "Barítonos", "Bombardinos", "Bombardões", "Tubas"},
			FamilyOrgan:      {"Órgão", "Órgãos", "Organistas", "Órgão Eletrônico"},
		},
	)
}

// Families returns the family names in declaration order.
func (t *FamilyTable) Families() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// FamilyOf returns the family of an instrument and whether it is known.
func (t *FamilyTable) FamilyOf(name string) (string, bool) {
	if t == nil {
		return "", false
	}
	family, ok := t.byInstrument[name]
	return family, ok
}

// Empty reports whether the table declares no instruments.
func (t *FamilyTable) Empty() bool {
	return t == nil || len(t.byInstrument) == 0
}

// IsOrgan reports whether an instrument belongs to the organ family. With an
// empty table it falls back to a substring match on "org", ignoring case and
// accents.
func (t *FamilyTable) IsOrgan(name string) bool {
	if t.Empty() {
		return strings.Contains(Fold(name), "org")
	}
	family, ok := t.FamilyOf(name)
	return ok && family == FamilyOrgan
}

// Fold lowercases s and strips combining accents ("Órgão" -> "orgao").
func Fold(s string) string {
	// transformer chains hold state, so each call builds its own
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
