package ata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedShape is returned by the parse functions for values that are
// neither text-encoded JSON nor a decoded mapping.
var ErrUnsupportedShape = errors.New("unsupported mapping shape")

// maxNesting bounds how many times a JSON string literal is unwrapped.
const maxNesting = 2

// ClampCount floors negative counts at zero.
func ClampCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Normalize turns a raw snapshot into its canonical form. Undecodable
// mappings become empty, never an error.
func Normalize(raw RawRecord) Record {
	instruments, err := ParseInstruments(raw.Instruments)
	if err != nil {
		instruments = Instruments{}
	}
	ministry, err := ParseMinistry(raw.Ministerio)
	if err != nil {
		ministry = Ministry{}
	}
	return Record{
		ID:            raw.ID,
		Timestamp:     ParseTimestamp(raw.Timestamp),
		RehearsalDate: strings.TrimSpace(raw.RehearsalDate),
		City:          raw.City,
		State:         raw.State,
		Venue:         raw.Venue,
		Presiding:     raw.Presiding,
		Speaker:       raw.Speaker,
		Usher:         raw.Usher,
		Conductor:     raw.Conductor,
		HymnCount:     hymnText(raw.HymnCount),
		HymnNumbers:   raw.HymnNumbers,
		Instruments:   instruments,
		Organists:     CoerceCount(raw.Organists),
		Musicians:     CoerceCount(raw.Musicians),
		Ministry:      ministry,
		Printed:       coerceBool(raw.Printed),
	}
}

// UnmarshalJSON keeps the instrument and ministry objects as raw JSON so
// their key order survives until normalization.
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	type plain RawRecord
	var aux struct {
		plain
		Instruments json.RawMessage `json:"instruments"`
		Ministerio  json.RawMessage `json:"ministerio"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = RawRecord(aux.plain)
	if len(aux.Instruments) > 0 {
		r.Instruments = aux.Instruments
	}
	if len(aux.Ministerio) > 0 {
		r.Ministerio = aux.Ministerio
	}
	return nil
}

// ParseInstruments decodes an instrument mapping from text-encoded JSON or an
// already-decoded map. Nil and blank text decode to an empty mapping.
func ParseInstruments(v any) (Instruments, error) {
	switch t := v.(type) {
	case nil:
		return Instruments{}, nil
	case Instruments:
		return t.Clone(), nil
	case *Instruments:
		if t == nil {
			return Instruments{}, nil
		}
		return t.Clone(), nil
	case map[string]int:
		var out Instruments
		for _, k := range sortedKeys(t) {
			if k != "" {
				out.Set(k, ClampCount(t[k]))
			}
		}
		return out, nil
	case map[string]float64:
		var out Instruments
		for _, k := range sortedKeys(t) {
			if k != "" {
				out.Set(k, CoerceCount(t[k]))
			}
		}
		return out, nil
	case map[string]any:
		var out Instruments
		for _, k := range sortedKeys(t) {
			if k != "" {
				out.Set(k, CoerceCount(t[k]))
			}
		}
		return out, nil
	}

	data, ok, err := jsonText(v)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("instruments: %w: %T", ErrUnsupportedShape, v)
		}
		return Instruments{}, err
	}
	var out Instruments
	err = decodeObject(data, func(key string, value any) {
		if key != "" {
			out.Set(key, CoerceCount(value))
		}
	})
	if err != nil {
		return Instruments{}, fmt.Errorf("instruments: %w", err)
	}
	return out, nil
}

// ParseMinistry decodes a ministry mapping. Lists become Names entries and
// numbers become Count entries; other values are skipped.
func ParseMinistry(v any) (Ministry, error) {
	switch t := v.(type) {
	case nil:
		return Ministry{}, nil
	case Ministry:
		return t.Clone(), nil
	case *Ministry:
		if t == nil {
			return Ministry{}, nil
		}
		return t.Clone(), nil
	case map[string][]string:
		var out Ministry
		for _, k := range sortedKeys(t) {
			if k != "" {
				out.Set(k, Names(cleanNames(t[k])...))
			}
		}
		return out, nil
	case map[string]int:
		var out Ministry
		for _, k := range sortedKeys(t) {
			if k != "" {
				out.Set(k, Headcount(t[k]))
			}
		}
		return out, nil
	case map[string]any:
		var out Ministry
		for _, k := range sortedKeys(t) {
			if entry, ok := ministryEntry(t[k]); ok && k != "" {
				out.Set(k, entry)
			}
		}
		return out, nil
	}

	data, ok, err := jsonText(v)
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("ministerio: %w: %T", ErrUnsupportedShape, v)
		}
		return Ministry{}, err
	}
	var out Ministry
	err = decodeObject(data, func(key string, value any) {
		if entry, ok := ministryEntry(value); ok && key != "" {
			out.Set(key, entry)
		}
	})
	if err != nil {
		return Ministry{}, fmt.Errorf("ministerio: %w", err)
	}
	return out, nil
}

func ministryEntry(v any) (MinistryEntry, bool) {
	switch t := v.(type) {
	case MinistryEntry:
		return t, true
	case []string:
		return Names(cleanNames(t)...), true
	case []any:
		names := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return Names(cleanNames(names)...), true
	case string:
		n, ok := parseNumber(t)
		if !ok {
			return MinistryEntry{}, false
		}
		return Headcount(n), true
	case nil, bool:
		return MinistryEntry{}, false
	}
	if n, ok := numeric(v); ok {
		return Headcount(n), true
	}
	return MinistryEntry{}, false
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// jsonText extracts JSON text from strings, byte slices and raw messages.
// A JSON string literal wrapping more JSON is unwrapped. ok is false when v
// is not textual at all.
func jsonText(v any) (data []byte, ok bool, err error) {
	switch t := v.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	case json.RawMessage:
		data = t
	default:
		return nil, false, nil
	}
	for depth := 0; ; depth++ {
		data = bytes.TrimSpace(data)
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return []byte("{}"), true, nil
		}
		if data[0] != '"' {
			return data, true, nil
		}
		if depth >= maxNesting {
			return nil, true, errors.New("too many nested string literals")
		}
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, true, err
		}
		data = []byte(inner)
	}
}

// decodeObject streams a JSON object, calling fn for each member in
// document order.
func decodeObject(data []byte, fn func(key string, value any)) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: expected object", ErrUnsupportedShape)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		fn(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// CoerceCount reads a count from a number, a numeric string or nil.
// Fractions are truncated, negatives clamp to zero, anything else is zero.
func CoerceCount(v any) int {
	if s, ok := v.(string); ok {
		n, _ := parseNumber(s)
		return ClampCount(n)
	}
	n, _ := numeric(v)
	return ClampCount(n)
}

// ParseCountText reads a count typed in a form field.
func ParseCountText(s string) int {
	n, _ := parseNumber(s)
	return ClampCount(n)
}

func numeric(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		if t > math.MaxInt32 {
			return math.MaxInt32, true
		}
		return int(t), true
	case float32:
		return truncate(float64(t))
	case float64:
		return truncate(t)
	case json.Number:
		return parseNumber(string(t))
	default:
		return 0, false
	}
}

func parseNumber(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return truncate(f)
}

func truncate(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	if f < math.MinInt32 {
		return math.MinInt32, true
	}
	return int(math.Trunc(f)), true
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	}
	n, ok := numeric(v)
	return ok && n != 0
}

func hymnText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	if n, ok := numeric(v); ok {
		return strconv.Itoa(n)
	}
	return fmt.Sprint(v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// ParseTimestamp reads RFC 3339 text (plus the SQLite datetime layouts) or a
// time.Time. Anything else yields the zero time.
func ParseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
