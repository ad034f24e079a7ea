package export

import (
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"ccbcounter/api/internal/ata"
)

// Fixed texts of the Ata layout.
const (
	Organization     = "CONGREGAÇÃO CRISTÃ NO BRASIL"
	Department       = "SIGEM / Administração Musical"
	MusiciansHeading = "MÚSICOS PRESENTES"
	MinistryHeading  = "MINISTÉRIO PRESENTE"
	SignatureLine    = "__________________________________________"
	SignatureCaption = "Assinatura do responsável"
	TotalMusicians   = "Total de Músicos"
	TotalOrganists   = "Total de Organistas"
	Placeholder      = "—"

	defaultCity  = "CIDADE"
	defaultVenue = "LOCAL DO ENSAIO"
	defaultState = "UF"
)

// DefaultTimezone is the zone the rehearsal date is printed in.
const DefaultTimezone = "America/Sao_Paulo"

// RowKind distinguishes how a table row is styled.
type RowKind int

const (
	RowNormal RowKind = iota
	// RowExtra marks an instrument outside the catalog.
	RowExtra
	RowTotal
	RowPlaceholder
)

// Field is one label/value line of the administration table.
type Field struct {
	Label string
	Value string
}

// InstrumentRow is one line of the musicians table.
type InstrumentRow struct {
	Name  string
	Count int
	Kind  RowKind
}

// Label is the text of the first column; extras carry a trailing asterisk.
func (r InstrumentRow) Label() string {
	if r.Kind == RowExtra {
		return r.Name + " *"
	}
	return r.Name
}

// CountText is the quantity column as a plain integer.
func (r InstrumentRow) CountText() string { return strconv.Itoa(r.Count) }

// MinistryRow is one line of the ministry table.
type MinistryRow struct {
	Role  string
	Count int
	Names string
	Kind  RowKind
}

func (r MinistryRow) RoleText() string {
	if r.Kind == RowPlaceholder {
		return Placeholder
	}
	return r.Role
}

func (r MinistryRow) CountText() string {
	if r.Kind == RowPlaceholder {
		return Placeholder
	}
	return strconv.Itoa(r.Count)
}

func (r MinistryRow) NamesText() string {
	if r.Kind == RowPlaceholder {
		return Placeholder
	}
	return r.Names
}

// Document is the structured Ata, independent of the output format.
type Document struct {
	RecordID    int64
	Title       string
	Held        string
	Date        time.Time
	Admin       []Field
	Instruments []InstrumentRow
	Ministry    []MinistryRow
	Totals      ata.Totals
}

// BuildOptions carries the collaborators Build depends on. Zero values select
// the defaults.
type BuildOptions struct {
	Catalog  *ata.Catalog
	Policy   ata.TotalsPolicy
	Now      func() time.Time
	Location *time.Location
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.Catalog == nil {
		o.Catalog = ata.DefaultCatalog()
	}
	if o.Policy == nil {
		o.Policy = ata.SeparateOrganists{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
		o.Location = loc
	}
	return o
}

// Build lays out r as an Ata.
func Build(r ata.Record, opts BuildOptions) Document {
	opts = opts.withDefaults()
	totals := opts.Policy.Totals(r)

	city := strings.TrimSpace(r.City)
	venue := strings.TrimSpace(r.Venue)
	state := strings.TrimSpace(r.State)
	if city == "" {
		city = defaultCity
	}
	if venue == "" {
		venue = defaultVenue
	}
	if state == "" {
		state = defaultState
	}

	date := ataDate(r, opts)
	doc := Document{
		RecordID: r.ID,
		Title:    "ENSAIO REGIONAL - " + strings.ToUpper(city) + " - " + strings.ToUpper(venue),
		Held:     "Realizado em: " + date.Format("02/01/2006") + " - " + city + "/" + state,
		Date:     date,
		Admin: []Field{
			{Label: "Presidência:", Value: r.Presiding},
			{Label: "Palavra:", Value: r.Speaker},
			{Label: "Encarregado Atendente:", Value: r.Usher},
			{Label: "Regência:", Value: r.Conductor},
			{Label: "Qtd. de Hinos Ensaiados:", Value: r.HymnCount},
			{Label: "", Value: r.HymnNumbers},
		},
		Totals: totals,
	}

	for _, name := range opts.Catalog.Names() {
		doc.Instruments = append(doc.Instruments, InstrumentRow{Name: name, Count: r.Instruments.Count(name)})
	}
	for _, name := range r.Instruments.Keys() {
		if !opts.Catalog.Contains(name) {
			doc.Instruments = append(doc.Instruments, InstrumentRow{Name: name, Count: r.Instruments.Count(name), Kind: RowExtra})
		}
	}
	doc.Instruments = append(doc.Instruments,
		InstrumentRow{Name: TotalMusicians, Count: totals.TotalMusicians, Kind: RowTotal},
		InstrumentRow{Name: TotalOrganists, Count: totals.TotalOrganists, Kind: RowTotal},
	)

	for _, role := range r.Ministry.Keys() {
		entry, _ := r.Ministry.Entry(role)
		switch entry.Kind() {
		case ata.MinistryNames:
			if people := entry.People(); len(people) > 0 {
				doc.Ministry = append(doc.Ministry, MinistryRow{Role: role, Count: len(people), Names: strings.Join(people, ", ")})
			}
		case ata.MinistryCount:
			if entry.Count() > 0 {
				doc.Ministry = append(doc.Ministry, MinistryRow{Role: role, Count: entry.Count(), Names: Placeholder})
			}
		}
	}
	if len(doc.Ministry) == 0 {
		doc.Ministry = []MinistryRow{{Kind: RowPlaceholder}}
	}
	return doc
}

// ataDate picks the rehearsal date, then the record timestamp, then the clock.
func ataDate(r ata.Record, opts BuildOptions) time.Time {
	if r.RehearsalDate != "" {
		if d, err := time.ParseInLocation("2006-01-02", r.RehearsalDate, opts.Location); err == nil {
			return d
		}
	}
	if !r.Timestamp.IsZero() {
		return r.Timestamp.In(opts.Location)
	}
	return opts.Now().In(opts.Location)
}
