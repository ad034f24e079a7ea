package ata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ordered is a string-keyed map that remembers insertion order.
type ordered[V any] struct {
	keys   []string
	values map[string]V
}

// Get returns the value stored under key.
func (o ordered[V]) Get(key string) (V, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Set stores value under key. New keys are appended to the order.
func (o *ordered[V]) Set(key string, value V) {
	if o.values == nil {
		o.values = make(map[string]V)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Delete removes key, keeping the order of the others.
func (o *ordered[V]) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in encounter order.
func (o ordered[V]) Keys() []string {
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

func (o ordered[V]) Len() int { return len(o.keys) }

// Instruments maps instrument names to non-negative counts in encounter order.
type Instruments struct {
	ordered[int]
}

// InstrumentsOf builds an Instruments value from alternating name/count pairs.
// Pairs with an empty name or a non-int count are skipped or zeroed.
func InstrumentsOf(pairs ...any) Instruments {
	var in Instruments
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		count, _ := pairs[i+1].(int)
		if name == "" {
			continue
		}
		in.Set(name, ClampCount(count))
	}
	return in
}

// Count returns the count for name, zero when absent.
func (in Instruments) Count(name string) int {
	v, _ := in.Get(name)
	return v
}

// Sum adds every count.
func (in Instruments) Sum() int {
	total := 0
	for _, k := range in.keys {
		total += in.values[k]
	}
	return total
}

// Clone returns an independent copy.
func (in Instruments) Clone() Instruments {
	var out Instruments
	for _, k := range in.keys {
		out.Set(k, in.values[k])
	}
	return out
}

// Equal compares keys, order and counts.
func (in Instruments) Equal(other Instruments) bool {
	if len(in.keys) != len(other.keys) {
		return false
	}
	for i, k := range in.keys {
		if other.keys[i] != k || other.values[k] != in.values[k] {
			return false
		}
	}
	return true
}

// MarshalJSON writes the mapping as a JSON object preserving key order.
func (in Instruments) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range in.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", in.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the shapes described in ParseInstruments.
func (in *Instruments) UnmarshalJSON(data []byte) error {
	parsed, err := ParseInstruments(json.RawMessage(data))
	if err != nil {
		return err
	}
	*in = parsed
	return nil
}

// MinistryKind tags the two shapes a ministry role can take.
type MinistryKind int

const (
	// MinistryNames is the current shape: an ordered list of people.
	MinistryNames MinistryKind = iota
	// MinistryCount is the legacy shape: a bare headcount with no names.
	MinistryCount
)

func (k MinistryKind) String() string {
	switch k {
	case MinistryNames:
		return "names"
	case MinistryCount:
		return "count"
	default:
		return fmt.Sprintf("MinistryKind(%d)", int(k))
	}
}

// MinistryEntry is either Names(list) or Count(n).
type MinistryEntry struct {
	kind  MinistryKind
	names []string
	count int
}

// Names builds a names-list entry.
func Names(names ...string) MinistryEntry {
	out := make([]string, 0, len(names))
	out = append(out, names...)
	return MinistryEntry{kind: MinistryNames, names: out}
}

// Headcount builds a legacy count-only entry.
func Headcount(n int) MinistryEntry {
	return MinistryEntry{kind: MinistryCount, count: ClampCount(n)}
}

func (e MinistryEntry) Kind() MinistryKind { return e.kind }

// People returns a copy of the names list; nil for count entries.
func (e MinistryEntry) People() []string {
	if e.kind != MinistryNames {
		return nil
	}
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Count returns the headcount of the entry regardless of shape.
func (e MinistryEntry) Count() int {
	switch e.kind {
	case MinistryNames:
		return len(e.names)
	case MinistryCount:
		return e.count
	default:
		return 0
	}
}

// Equal compares shape and contents.
func (e MinistryEntry) Equal(other MinistryEntry) bool {
	if e.kind != other.kind {
		return false
	}
	switch e.kind {
	case MinistryNames:
		if len(e.names) != len(other.names) {
			return false
		}
		for i := range e.names {
			if e.names[i] != other.names[i] {
				return false
			}
		}
		return true
	case MinistryCount:
		return e.count == other.count
	default:
		return false
	}
}

// MarshalJSON writes names as a JSON array and counts as a number.
func (e MinistryEntry) MarshalJSON() ([]byte, error) {
	switch e.kind {
	case MinistryCount:
		return json.Marshal(e.count)
	default:
		if e.names == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(e.names)
	}
}

// Ministry maps role names to entries in encounter order.
type Ministry struct {
	ordered[MinistryEntry]
}

// Entry returns the entry for role.
func (m Ministry) Entry(role string) (MinistryEntry, bool) {
	return m.Get(role)
}

// Headcount sums every role.
func (m Ministry) Headcount() int {
	total := 0
	for _, k := range m.keys {
		total += m.values[k].Count()
	}
	return total
}

// Clone returns an independent copy.
func (m Ministry) Clone() Ministry {
	var out Ministry
	for _, k := range m.keys {
		e := m.values[k]
		if e.kind == MinistryNames {
			e = Names(e.names...)
		}
		out.Set(k, e)
	}
	return out
}

// Equal compares roles, order and entries.
func (m Ministry) Equal(other Ministry) bool {
	if len(m.keys) != len(other.keys) {
		return false
	}
	for i, k := range m.keys {
		if other.keys[i] != k || !m.values[k].Equal(other.values[k]) {
			return false
		}
	}
	return true
}

// MarshalJSON writes the mapping as a JSON object preserving role order.
func (m Ministry) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value, err := m.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the shapes described in ParseMinistry.
func (m *Ministry) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMinistry(json.RawMessage(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Record is one normalized snapshot of a rehearsal tally.
type Record struct {
	ID            int64       `json:"id"`
	Timestamp     time.Time   `json:"data"`
	RehearsalDate string      `json:"dataEnsaio,omitempty"`
	City          string      `json:"cidade"`
	State         string      `json:"estado"`
	Venue         string      `json:"local"`
	Presiding     string      `json:"presidencia"`
	Speaker       string      `json:"palavra"`
	Usher         string      `json:"encarregado"`
	Conductor     string      `json:"regencia"`
	HymnCount     string      `json:"hinos"`
	HymnNumbers   string      `json:"hinosNumeros"`
	Instruments   Instruments `json:"instruments"`
	Organists     int         `json:"organists"`
	Musicians     int         `json:"musicians"`
	Ministry      Ministry    `json:"ministerio"`
	Printed       bool        `json:"printed"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Instruments = r.Instruments.Clone()
	out.Ministry = r.Ministry.Clone()
	return out
}

// Equal compares every field.
func (r Record) Equal(other Record) bool {
	return r.ID == other.ID &&
		r.Timestamp.Equal(other.Timestamp) &&
		r.SameContent(other) &&
		r.Printed == other.Printed
}

// SameContent compares the tally content, ignoring id, timestamp and the
// printed flag.
func (r Record) SameContent(other Record) bool {
	return r.RehearsalDate == other.RehearsalDate &&
		r.City == other.City &&
		r.State == other.State &&
		r.Venue == other.Venue &&
		r.Presiding == other.Presiding &&
		r.Speaker == other.Speaker &&
		r.Usher == other.Usher &&
		r.Conductor == other.Conductor &&
		r.HymnCount == other.HymnCount &&
		r.HymnNumbers == other.HymnNumbers &&
		r.Organists == other.Organists &&
		r.Musicians == other.Musicians &&
		r.Instruments.Equal(other.Instruments) &&
		r.Ministry.Equal(other.Ministry)
}

// Raw converts the record back to its raw form, keeping canonical values.
func (r Record) Raw() RawRecord {
	return RawRecord{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		RehearsalDate: r.RehearsalDate,
		City:          r.City,
		State:         r.State,
		Venue:         r.Venue,
		Presiding:     r.Presiding,
		Speaker:       r.Speaker,
		Usher:         r.Usher,
		Conductor:     r.Conductor,
		HymnCount:     r.HymnCount,
		HymnNumbers:   r.HymnNumbers,
		Instruments:   r.Instruments.Clone(),
		Organists:     r.Organists,
		Musicians:     r.Musicians,
		Ministerio:    r.Ministry.Clone(),
		Printed:       r.Printed,
	}
}

// RawRecord is a snapshot as stored or received, before normalization. The
// mapping and scalar fields accept several encodings; see Normalize.
type RawRecord struct {
	ID            int64  `json:"id"`
	Timestamp     any    `json:"data"`
	RehearsalDate string `json:"dataEnsaio"`
	City          string `json:"cidade"`
	State         string `json:"estado"`
	Venue         string `json:"local"`
	Presiding     string `json:"presidencia"`
	Speaker       string `json:"palavra"`
	Usher         string `json:"encarregado"`
	Conductor     string `json:"regencia"`
	HymnCount     any    `json:"hinos"`
	HymnNumbers   string `json:"hinosNumeros"`
	Instruments   any    `json:"instruments"`
	Organists     any    `json:"organists"`
	Musicians     any    `json:"musicians"`
	Ministerio    any    `json:"ministerio"`
	Printed       any    `json:"printed"`
}

// ChangeLogEntry is one audited field change between consecutive snapshots.
type ChangeLogEntry struct {
	SnapshotID int64     `json:"snapshot_id"`
	Timestamp  time.Time `json:"timestamp"`
	Field      string    `json:"field_name"`
	OldValue   any       `json:"old_value"`
	NewValue   any       `json:"new_value"`
}

// LogEntries stamps changes with the snapshot they produced.
func LogEntries(snapshotID int64, at time.Time, changes []Change) []ChangeLogEntry {
	out := make([]ChangeLogEntry, 0, len(changes))
	for _, c := range changes {
		out = append(out, ChangeLogEntry{
			SnapshotID: snapshotID,
			Timestamp:  at,
			Field:      c.Field,
			OldValue:   c.Old,
			NewValue:   c.New,
		})
	}
	return out
}
