// Package search finds past tally snapshots by city, venue, people and
// instruments.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ccbcounter/api/internal/ata"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID            int64  `json:"id"`
	RehearsalDate string `json:"dataEnsaio,omitempty"`
	Timestamp     string `json:"data,omitempty"`
	City          string `json:"cidade"`
	State         string `json:"estado"`
	Venue         string `json:"local"`
	Musicians     int    `json:"musicians"`
	Printed       bool   `json:"printed"`
	Snippet       string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// DefaultLimit applies when Query.Limit is zero.
const DefaultLimit = 20

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// SnapshotRecord is the data we index for a snapshot.
type SnapshotRecord struct {
	ID            int64    `json:"id"`
	Timestamp     string   `json:"data"`
	RehearsalDate string   `json:"dataEnsaio"`
	City          string   `json:"cidade"`
	State         string   `json:"estado"`
	Venue         string   `json:"local"`
	Presiding     string   `json:"presidencia"`
	Speaker       string   `json:"palavra"`
	Usher         string   `json:"encarregado"`
	Conductor     string   `json:"regencia"`
	HymnNumbers   string   `json:"hinosNumeros"`
	Instruments   []string `json:"instruments"`
	Ministry      []string `json:"ministerio"`
	Musicians     int      `json:"musicians"`
	Organists     int      `json:"organists"`
	Printed       bool     `json:"printed"`
}

// FromRecord flattens a snapshot for indexing. Only instruments with a
// positive count are listed; ministry entries read "<role>: <names>".
func FromRecord(r ata.Record) SnapshotRecord {
	rec := SnapshotRecord{
		ID:            r.ID,
		RehearsalDate: r.RehearsalDate,
		City:          r.City,
		State:         r.State,
		Venue:         r.Venue,
		Presiding:     r.Presiding,
		Speaker:       r.Speaker,
		Usher:         r.Usher,
		Conductor:     r.Conductor,
		HymnNumbers:   r.HymnNumbers,
		Musicians:     r.Musicians,
		Organists:     r.Organists,
		Printed:       r.Printed,
		Instruments:   []string{},
		Ministry:      []string{},
	}
	if !r.Timestamp.IsZero() {
		rec.Timestamp = r.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, name := range r.Instruments.Keys() {
		if r.Instruments.Count(name) > 0 {
			rec.Instruments = append(rec.Instruments, name)
		}
	}
	for _, role := range r.Ministry.Keys() {
		entry, _ := r.Ministry.Entry(role)
		if people := entry.People(); len(people) > 0 {
			rec.Ministry = append(rec.Ministry, role+": "+strings.Join(people, ", "))
		} else if entry.Count() > 0 {
			rec.Ministry = append(rec.Ministry, fmt.Sprintf("%s: %d", role, entry.Count()))
		}
	}
	return rec
}

func (s SnapshotRecord) result(snippet string) Result {
	return Result{
		ID:            s.ID,
		RehearsalDate: s.RehearsalDate,
		Timestamp:     s.Timestamp,
		City:          s.City,
		State:         s.State,
		Venue:         s.Venue,
		Musicians:     s.Musicians,
		Printed:       s.Printed,
		Snippet:       snippet,
	}
}

// fields returns the searchable text of the record in a stable order.
func (s SnapshotRecord) fields() []string {
	out := []string{s.City, s.State, s.Venue, s.RehearsalDate, s.Presiding, s.Speaker, s.Usher, s.Conductor, s.HymnNumbers}
	out = append(out, s.Instruments...)
	return append(out, s.Ministry...)
}
