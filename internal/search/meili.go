package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxSnapshots = "ccb_contabilizacao"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the client reports unhealthy until
// the health loop sees it come up.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("component", "meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSnapshots,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxSnapshots, "error", err)
	}

	index := m.client.Index(idxSnapshots)
	filterable := []interface{}{"estado", "cidade", "dataEnsaio", "printed"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxSnapshots, "error", err)
	}
	searchable := []string{"cidade", "local", "presidencia", "palavra", "encarregado", "regencia",
		"ministerio", "instruments", "hinosNumeros", "dataEnsaio", "estado"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxSnapshots, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errors.New("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxSnapshots,
			Query:                 q.Text,
			Limit:                 int64(q.limit()),
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:            decodeInt(hit, "id"),
		RehearsalDate: decodeString(hit, "dataEnsaio"),
		Timestamp:     decodeString(hit, "data"),
		City:          decodeString(hit, "cidade"),
		State:         decodeString(hit, "estado"),
		Venue:         decodeString(hit, "local"),
		Musicians:     int(decodeInt(hit, "musicians")),
	}
	if raw, ok := hit["printed"]; ok {
		_ = json.Unmarshal(raw, &r.Printed)
	}
	r.Snippet = firstNonBlank(
		decodeFormattedString(hit, "local"),
		decodeFormattedString(hit, "cidade"),
		decodeFormattedString(hit, "presidencia"),
		r.Venue,
	)
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// decodeFormattedString returns the highlighted value of a string field
// when it contains a match.
func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	if !strings.Contains(s, "<mark>") {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSnapshot adds or updates a snapshot in the search index.
func (m *Meili) IndexSnapshot(rec SnapshotRecord) error {
	_, err := m.client.Index(idxSnapshots).AddDocuments([]SnapshotRecord{rec}, nil)
	return err
}

// IndexSnapshots bulk-indexes snapshots.
func (m *Meili) IndexSnapshots(recs []SnapshotRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSnapshots).AddDocuments(recs, nil)
	return err
}

// DeleteSnapshot removes a snapshot from the search index.
func (m *Meili) DeleteSnapshot(id int64) error {
	_, err := m.client.Index(idxSnapshots).DeleteDocument(strconv.FormatInt(id, 10), nil)
	return err
}
