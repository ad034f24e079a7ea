package ata

import (
	"errors"
	"fmt"
	"strings"
)

// Edit errors.
var (
	ErrUnknownEdit  = errors.New("unknown edit operation")
	ErrEmptyName    = errors.New("name must not be blank")
	ErrUnknownRole  = errors.New("unknown ministry role")
	ErrNameIndex    = errors.New("name index out of range")
	ErrUnknownField = errors.New("unknown record field")
)

// NewRecord returns the empty working record a session starts with: every
// catalog instrument at zero and the default ministry roles with no names.
func NewRecord(catalog *Catalog, roles []string) Record {
	var r Record
	for _, name := range catalog.Names() {
		r.Instruments.Set(name, 0)
	}
	for _, role := range roles {
		r.Ministry.Set(role, Names())
	}
	return r
}

// Increment adds one to an instrument, creating it when absent.
func (r *Record) Increment(name string) {
	r.Instruments.Set(name, r.Instruments.Count(name)+1)
}

// Decrement subtracts one from an instrument, never going below zero.
func (r *Record) Decrement(name string) {
	r.Instruments.Set(name, ClampCount(r.Instruments.Count(name)-1))
}

// SetCount stores a clamped count.
func (r *Record) SetCount(name string, n int) {
	r.Instruments.Set(name, ClampCount(n))
}

// SetCountText stores a count typed as text; non-numeric input is zero.
func (r *Record) SetCountText(name, text string) {
	r.Instruments.Set(name, ParseCountText(text))
}

// AddInstrument adds a free-form instrument at zero. An existing key keeps
// its count.
func (r *Record) AddInstrument(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if _, ok := r.Instruments.Get(name); !ok {
		r.Instruments.Set(name, 0)
	}
	return nil
}

func (r *Record) RemoveInstrument(name string) {
	r.Instruments.Delete(name)
}

func (r *Record) SetOrganists(n int) {
	r.Organists = ClampCount(n)
}

// ResetCounts sets every catalog instrument to zero, drops extras and clears
// the organists count.
func (r *Record) ResetCounts(catalog *Catalog) {
	var in Instruments
	for _, name := range catalog.Names() {
		in.Set(name, 0)
	}
	r.Instruments = in
	r.Organists = 0
}

// AddRole adds an empty names-list role. An existing role is kept.
func (r *Record) AddRole(role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return ErrEmptyName
	}
	if _, ok := r.Ministry.Get(role); !ok {
		r.Ministry.Set(role, Names())
	}
	return nil
}

func (r *Record) RemoveRole(role string) {
	r.Ministry.Delete(role)
}

// AddName appends a person to a role, creating the role when absent. A
// legacy count role becomes a names list holding only the new name.
func (r *Record) AddName(role, name string) error {
	role = strings.TrimSpace(role)
	name = strings.TrimSpace(name)
	if role == "" || name == "" {
		return ErrEmptyName
	}
	entry, _ := r.Ministry.Get(role)
	r.Ministry.Set(role, Names(append(entry.People(), name)...))
	return nil
}

// RemoveName drops the person at index from a role.
func (r *Record) RemoveName(role string, index int) error {
	entry, ok := r.Ministry.Get(role)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	people := entry.People()
	if index < 0 || index >= len(people) {
		return fmt.Errorf("%w: %d", ErrNameIndex, index)
	}
	r.Ministry.Set(role, Names(append(people[:index], people[index+1:]...)...))
	return nil
}

// SetField sets one of the administrative text fields by its JSON key.
func (r *Record) SetField(field, value string) error {
	switch field {
	case "dataEnsaio":
		r.RehearsalDate = strings.TrimSpace(value)
	case "cidade":
		r.City = value
	case "estado":
		r.State = value
	case "local":
		r.Venue = value
	case "presidencia":
		r.Presiding = value
	case "palavra":
		r.Speaker = value
	case "encarregado":
		r.Usher = value
	case "regencia":
		r.Conductor = value
	case "hinos":
		r.HymnCount = value
	case "hinosNumeros":
		r.HymnNumbers = value
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// Edit operation names as sent by clients.
const (
	OpIncrement        = "increment"
	OpDecrement        = "decrement"
	OpSetCount         = "set_count"
	OpSetCountText     = "set_count_text"
	OpAddInstrument    = "add_instrument"
	OpRemoveInstrument = "remove_instrument"
	OpSetOrganists     = "set_organists"
	OpResetCounts      = "reset_counts"
	OpAddRole          = "add_role"
	OpRemoveRole       = "remove_role"
	OpAddName          = "add_name"
	OpRemoveName       = "remove_name"
	OpSetField         = "set_field"
)

// Edit is one serializable mutation of a working record.
type Edit struct {
	Op         string `json:"op"`
	Instrument string `json:"instrument,omitempty"`
	Count      int    `json:"count,omitempty"`
	Text       string `json:"text,omitempty"`
	Role       string `json:"role,omitempty"`
	Name       string `json:"name,omitempty"`
	Index      int    `json:"index,omitempty"`
	Field      string `json:"field,omitempty"`
	Value      string `json:"value,omitempty"`
}

// Apply runs the edit against r. catalog is only used by reset_counts.
func (e Edit) Apply(r *Record, catalog *Catalog) error {
	switch e.Op {
	case OpIncrement, OpDecrement, OpSetCount, OpSetCountText:
		if e.Instrument == "" {
			return ErrEmptyName
		}
	}
	switch e.Op {
	case OpIncrement:
		r.Increment(e.Instrument)
	case OpDecrement:
		r.Decrement(e.Instrument)
	case OpSetCount:
		r.SetCount(e.Instrument, e.Count)
	case OpSetCountText:
		r.SetCountText(e.Instrument, e.Text)
	case OpAddInstrument:
		return r.AddInstrument(e.Instrument)
	case OpRemoveInstrument:
		r.RemoveInstrument(e.Instrument)
	case OpSetOrganists:
		r.SetOrganists(e.Count)
	case OpResetCounts:
		r.ResetCounts(catalog)
	case OpAddRole:
		return r.AddRole(e.Role)
	case OpRemoveRole:
		r.RemoveRole(e.Role)
	case OpAddName:
		return r.AddName(e.Role, e.Name)
	case OpRemoveName:
		return r.RemoveName(e.Role, e.Index)
	case OpSetField:
		return r.SetField(e.Field, e.Value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEdit, e.Op)
	}
	return nil
}
