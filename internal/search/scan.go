package search

import (
	"context"
	"fmt"
	"strings"

	"ccbcounter/api/internal/ata"
)

// ScanDepth is how many recent snapshots Scan reads per query.
const ScanDepth = 500

// Lister reads recent stored snapshots, newest first.
type Lister interface {
	SelectAll(ctx context.Context, limit int) ([]ata.RawRecord, error)
}

// Scan searches by reading recent snapshots from the store. Matching is
// accent and case insensitive and every query word must appear somewhere in
// the snapshot.
type Scan struct {
	source Lister
	depth  int
}

func NewScan(source Lister) *Scan {
	return &Scan{source: source, depth: ScanDepth}
}

func (s *Scan) Healthy() bool { return s != nil && s.source != nil }

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(ata.Fold(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	raws, err := s.source.SelectAll(ctx, s.depth)
	if err != nil {
		return nil, 0, fmt.Errorf("scan snapshots: %w", err)
	}

	var matches []Result
	for _, raw := range raws {
		rec := FromRecord(ata.Normalize(raw))
		if snippet, ok := match(rec.fields(), terms); ok {
			matches = append(matches, rec.result(snippet))
		}
	}
	total := len(matches)
	start := min(q.Offset, total)
	end := min(start+q.limit(), total)
	return matches[start:end], total, nil
}

// match reports whether every term occurs in fields and returns the first
// field containing a term.
func match(fields []string, terms []string) (string, bool) {
	folded := make([]string, len(fields))
	for i, f := range fields {
		folded[i] = ata.Fold(f)
	}
	haystack := strings.Join(folded, " ")
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return "", false
		}
	}
	for i, f := range folded {
		if f != "" && strings.Contains(f, terms[0]) {
			return fields[i], true
		}
	}
	return "", true
}
