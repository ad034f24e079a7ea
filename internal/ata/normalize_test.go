package ata

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestParseInstrumentsShapes(t *testing.T) {
	cases := []struct {
		name  string
		input any
		keys  []string
		want  map[string]int
		err   bool
	}{
		{name: "nil", input: nil, keys: []string{}, want: map[string]int{}},
		{name: "blank text", input: "  ", keys: []string{}, want: map[string]int{}},
		{name: "null text", input: "null", keys: []string{}, want: map[string]int{}},
		{
			name:  "text keeps order",
			input: `{"Tubas": 2, "Violinos": 26, "Flautas": 5}`,
			keys:  []string{"Tubas", "Violinos", "Flautas"},
			want:  map[string]int{"Tubas": 2, "Violinos": 26, "Flautas": 5},
		},
		{
			name:  "double encoded",
			input: json.RawMessage(`"{\"Violas\": 3}"`),
			keys:  []string{"Violas"},
			want:  map[string]int{"Violas": 3},
		},
		{
			name:  "bytes",
			input: []byte(`{"Violas": "4"}`),
			keys:  []string{"Violas"},
			want:  map[string]int{"Violas": 4},
		},
		{
			name:  "coercion",
			input: `{"A": -3, "B": 2.9, "C": "x", "D": null, "": 4}`,
			keys:  []string{"A", "B", "C", "D"},
			want:  map[string]int{"A": 0, "B": 2, "C": 0, "D": 0},
		},
		{
			name:  "decoded map sorted",
			input: map[string]any{"Violas": float64(2), "Cornets": "7"},
			keys:  []string{"Cornets", "Violas"},
			want:  map[string]int{"Cornets": 7, "Violas": 2},
		},
		{
			name:  "int map",
			input: map[string]int{"Tubas": -1},
			keys:  []string{"Tubas"},
			want:  map[string]int{"Tubas": 0},
		},
		{name: "malformed", input: `{"Violas": `, err: true},
		{name: "array", input: `[1,2]`, err: true},
		{name: "unsupported", input: 42, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInstruments(tc.input)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %v", got.Keys())
				}
				if got.Len() != 0 {
					t.Fatalf("expected empty mapping on error, got %v", got.Keys())
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInstruments: %v", err)
			}
			if keys := got.Keys(); !reflect.DeepEqual(keys, tc.keys) {
				t.Fatalf("keys = %v, want %v", keys, tc.keys)
			}
			for k, v := range tc.want {
				if got.Count(k) != v {
					t.Fatalf("%s = %d, want %d", k, got.Count(k), v)
				}
			}
		})
	}
}

func TestParseMinistryShapes(t *testing.T) {
	m, err := ParseMinistry(`{"Anciães": [" Roberto Machado ", "", 7, "Francisco Almeida"], "Diáconos": 2, "Cooperadores": "3", "Outros": {"x": 1}, "Neg": -4}`)
	if err != nil {
		t.Fatalf("ParseMinistry: %v", err)
	}
	wantKeys := []string{"Anciães", "Diáconos", "Cooperadores", "Neg"}
	if keys := m.Keys(); !reflect.DeepEqual(keys, wantKeys) {
		t.Fatalf("keys = %v, want %v", keys, wantKeys)
	}

	elders, _ := m.Entry("Anciães")
	if elders.Kind() != MinistryNames {
		t.Fatalf("Anciães kind = %v", elders.Kind())
	}
	if got := elders.People(); !reflect.DeepEqual(got, []string{"Roberto Machado", "Francisco Almeida"}) {
		t.Fatalf("names = %v", got)
	}

	deacons, _ := m.Entry("Diáconos")
	if deacons.Kind() != MinistryCount || deacons.Count() != 2 || deacons.People() != nil {
		t.Fatalf("legacy entry = %+v", deacons)
	}
	coop, _ := m.Entry("Cooperadores")
	if coop.Kind() != MinistryCount || coop.Count() != 3 {
		t.Fatalf("numeric string entry = %+v", coop)
	}
	neg, _ := m.Entry("Neg")
	if neg.Count() != 0 {
		t.Fatalf("negative count not clamped: %d", neg.Count())
	}
}

func TestNormalizeFailSoft(t *testing.T) {
	r := Normalize(RawRecord{
		ID:          9,
		Instruments: "{not json",
		Ministerio:  "also bad",
		Organists:   "12",
		HymnCount:   float64(19),
		Printed:     1,
		Timestamp:   "2024-03-10T09:30:00Z",
	})
	if r.Instruments.Len() != 0 || r.Ministry.Len() != 0 {
		t.Fatalf("expected empty mappings, got %v %v", r.Instruments.Keys(), r.Ministry.Keys())
	}
	if r.Organists != 12 {
		t.Fatalf("organists = %d", r.Organists)
	}
	if r.HymnCount != "19" {
		t.Fatalf("hinos = %q", r.HymnCount)
	}
	if !r.Printed {
		t.Fatal("printed not coerced")
	}
	want := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	raws := []RawRecord{
		{},
		{Instruments: `{"Violinos": 26, "Saxofones": 36, "Violão": 2}`, Ministerio: `{"Anciães": ["A", "B"], "Diáconos": 2}`, Organists: 46},
		{Instruments: map[string]any{"Tubas": -2.5}, Ministerio: map[string]any{"Cooperadores": []any{"C", 3}}, HymnCount: "19 Hinos"},
		{Instruments: `"{\"Flautas\": 5}"`, Timestamp: "2024-01-02 10:00:00", RehearsalDate: " 2024-01-02 "},
	}
	for i, raw := range raws {
		once := Normalize(raw)
		twice := Normalize(once.Raw())
		if !once.Equal(twice) {
			t.Fatalf("case %d: normalize not idempotent:\n once=%+v\ntwice=%+v", i, once, twice)
		}
	}
}

func TestRawRecordJSONKeepsOrder(t *testing.T) {
	payload := `{"id": 3, "cidade": "Campinas", "instruments": {"Trompetes": 16, "Violinos": 26}, "ministerio": {"Diáconos": ["X"], "Anciães": 1}, "organists": 4}`
	var raw RawRecord
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r := Normalize(raw)
	if r.ID != 3 || r.City != "Campinas" || r.Organists != 4 {
		t.Fatalf("scalars = %+v", r)
	}
	if got := r.Instruments.Keys(); !reflect.DeepEqual(got, []string{"Trompetes", "Violinos"}) {
		t.Fatalf("instrument order = %v", got)
	}
	if got := r.Ministry.Keys(); !reflect.DeepEqual(got, []string{"Diáconos", "Anciães"}) {
		t.Fatalf("ministry order = %v", got)
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if !back.Instruments.Equal(r.Instruments) || !back.Ministry.Equal(r.Ministry) {
		t.Fatalf("record json changed mappings: %s", out)
	}
}
