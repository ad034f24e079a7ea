package search

import (
	"context"
	"encoding/json"
	"log/slog"

	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/realtime"
)

// index is the write side of Meili, narrowed for tests.
type index interface {
	Searcher
	IndexSnapshot(SnapshotRecord) error
	IndexSnapshots([]SnapshotRecord) error
	DeleteSnapshot(int64) error
}

// Service is the facade that tries Meilisearch first and falls back to a
// store scan.
type Service struct {
	meili  index
	scan   *Scan
	logger *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(m *Meili, scan *Scan, logger *slog.Logger) *Service {
	s := &Service{scan: scan, logger: logger}
	if m != nil {
		s.meili = m
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) indexReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to the scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to scan", "error", err)
	}

	if s.scan == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.scan.Search(ctx, q)
	if err != nil {
		s.logger.Error("scan search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnapshot indexes a snapshot (fire-and-forget to Meilisearch).
func (s *Service) IndexSnapshot(r ata.Record) {
	if !s.indexReady() {
		return
	}
	rec := FromRecord(r)
	go func() {
		if err := s.meili.IndexSnapshot(rec); err != nil {
			s.logger.Warn("index snapshot", "id", rec.ID, "error", err)
		}
	}()
}

// DeleteSnapshot removes a snapshot from the index (fire-and-forget).
func (s *Service) DeleteSnapshot(id int64) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteSnapshot(id); err != nil {
			s.logger.Warn("delete snapshot", "id", id, "error", err)
		}
	}()
}

// Follow keeps the index in step with the contabilizacao row feed.
func (s *Service) Follow(feed *realtime.RowFeed) (func(), error) {
	return feed.Subscribe("contabilizacao", func(change realtime.RowChange) {
		switch change.Type {
		case realtime.RowDelete:
			if raw, ok := decodeRow(change.Old); ok {
				s.DeleteSnapshot(raw.ID)
			}
		default:
			if raw, ok := decodeRow(change.New); ok {
				s.IndexSnapshot(ata.Normalize(raw))
			}
		}
	})
}

func decodeRow(v any) (ata.RawRecord, bool) {
	data, ok := v.(json.RawMessage)
	if !ok || len(data) == 0 {
		return ata.RawRecord{}, false
	}
	var raw ata.RawRecord
	if err := json.Unmarshal(data, &raw); err != nil || raw.ID == 0 {
		return ata.RawRecord{}, false
	}
	return raw, true
}

// ReindexAll reads recent snapshots from the store and pushes them to
// Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexReady() || s.scan == nil {
		return
	}
	raws, err := s.scan.source.SelectAll(ctx, s.scan.depth)
	if err != nil {
		s.logger.Warn("reindex load failed", "error", err)
		return
	}
	recs := make([]SnapshotRecord, 0, len(raws))
	for _, raw := range raws {
		recs = append(recs, FromRecord(ata.Normalize(raw)))
	}
	if err := s.meili.IndexSnapshots(recs); err != nil {
		s.logger.Warn("reindex snapshots", "error", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
