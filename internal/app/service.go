package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ccbcounter/api/internal/archive"
	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/export"
	"ccbcounter/api/internal/metrics"
	"ccbcounter/api/internal/realtime"
	"ccbcounter/api/internal/search"
	"ccbcounter/api/internal/session"
	"ccbcounter/api/internal/store"
)

// DefaultListLimit applies to /api/contabilizacoes without a limit.
const DefaultListLimit = 100

const table = "contabilizacao"

// Inbound WebSocket message types. contabilizacao submits a whole form,
// edits applies edit operations and printed closes a snapshot.
const (
	inboundSubmit  = "contabilizacao"
	inboundEdits   = "edits"
	inboundPrinted = "printed"
)

// Deps wires a Service. Search, Archive and Metrics are optional.
type Deps struct {
	Store     store.RecordStore
	Session   *session.Session
	Exports   *export.Service
	Search    *search.Service
	Archive   *archive.Archiver
	Transport realtime.Transport
	Policy    ata.TotalsPolicy
	Differ    ata.Differ
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Service struct {
	store   store.RecordStore
	session *session.Session
	exports *export.Service
	search  *search.Service
	archive *archive.Archiver
	feed    *realtime.RowFeed
	policy  ata.TotalsPolicy
	differ  ata.Differ
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(d Deps) *Service {
	s := &Service{
		store:   d.Store,
		session: d.Session,
		exports: d.Exports,
		search:  d.Search,
		archive: d.Archive,
		policy:  d.Policy,
		differ:  d.Differ,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
	if d.Transport != nil {
		s.feed = realtime.NewRowFeed(d.Transport)
	}
	if s.exports == nil {
		s.exports = export.NewService(d.Store, export.BuildOptions{Policy: d.Policy})
	}
	if s.policy == nil {
		s.policy = ata.SeparateOrganists{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Latest returns the newest stored snapshot, or nil for an empty store.
func (s *Service) Latest(ctx context.Context) (*ata.RawRecord, error) {
	raw, err := s.store.SelectLatest(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &raw, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]ata.RawRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.SelectAll(ctx, limit)
}

func (s *Service) Get(ctx context.Context, id int64) (ata.RawRecord, error) {
	return s.store.Get(ctx, id)
}

// Submit replaces the working record with a full form and commits it.
// admin bypasses de-duplication and announces on the admin event first.
func (s *Service) Submit(ctx context.Context, raw ata.RawRecord, admin bool) (session.Result, error) {
	s.session.Replace(ata.Normalize(raw))
	if admin {
		return s.session.ForceSend(ctx)
	}
	return s.session.Send(ctx)
}

// Update overwrites snapshot id with the given fields.
func (s *Service) Update(ctx context.Context, id int64, raw ata.RawRecord) (ata.RawRecord, error) {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return ata.RawRecord{}, err
	}
	rec := ata.Normalize(raw)
	rec.Stamp(s.policy)
	if err := s.store.Update(ctx, id, rec); err != nil {
		return ata.RawRecord{}, err
	}
	prev := ata.Normalize(old)
	s.logChanges(ctx, id, &prev, rec)
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return ata.RawRecord{}, err
	}
	s.publishChange(ctx, realtime.RowChange{Table: table, Type: realtime.RowUpdate, New: stored, Old: old})
	return stored, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.publishChange(ctx, realtime.RowChange{Table: table, Type: realtime.RowDelete, Old: old})
	return nil
}

// Upsert stores raw on the row with the same rehearsal date, or a new row.
func (s *Service) Upsert(ctx context.Context, raw ata.RawRecord) (ata.RawRecord, error) {
	rec := ata.Normalize(raw)
	if strings.TrimSpace(rec.RehearsalDate) == "" {
		return ata.RawRecord{}, session.ErrNoRehearsalDate
	}
	rec.Stamp(s.policy)
	var prev *ata.Record
	old, err := s.store.GetByRehearsalDate(ctx, rec.RehearsalDate)
	switch {
	case err == nil:
		p := ata.Normalize(old)
		prev = &p
	case !errors.Is(err, store.ErrNotFound):
		return ata.RawRecord{}, err
	}
	id, err := s.store.Upsert(ctx, rec, store.ConflictRehearsalDate)
	if err != nil {
		return ata.RawRecord{}, err
	}
	s.logChanges(ctx, id, prev, rec)
	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return ata.RawRecord{}, err
	}
	change := realtime.RowChange{Table: table, Type: realtime.RowInsert, New: stored}
	if prev != nil {
		change.Type = realtime.RowUpdate
		change.Old = old
	}
	s.publishChange(ctx, change)
	return stored, nil
}

// logChanges writes the audit entries between prev and next for snapshot id.
// The snapshot is already stored, so a failed write is only logged.
func (s *Service) logChanges(ctx context.Context, id int64, prev *ata.Record, next ata.Record) {
	changes := s.differ.Diff(prev, next)
	if len(changes) == 0 {
		return
	}
	entries := ata.LogEntries(id, time.Now().UTC(), changes)
	if err := s.store.InsertChangeLog(ctx, entries); err != nil {
		s.logger.Error("write change log", "snapshot_id", id, "error", err)
		return
	}
	s.metrics.ChangeEntries(len(entries))
}

func (s *Service) ApplyEdits(ctx context.Context, edits []ata.Edit) (session.View, error) {
	if len(edits) == 0 {
		return session.View{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "edits is required", nil)
	}
	return s.session.Apply(ctx, edits...)
}

func (s *Service) Working() session.View {
	return s.session.Working()
}

func (s *Service) MarkPrinted(ctx context.Context, id int64) error {
	return s.session.MarkPrinted(ctx, id)
}

func (s *Service) record(ctx context.Context, id int64) (ata.Record, error) {
	raw, err := s.store.Get(ctx, id)
	if err != nil {
		return ata.Record{}, err
	}
	return ata.Normalize(raw), nil
}

func (s *Service) Totals(ctx context.Context, id int64) (ata.Totals, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return ata.Totals{}, err
	}
	return s.policy.Totals(rec), nil
}

func (s *Service) Validate(ctx context.Context, id int64) (ata.Validation, error) {
	rec, err := s.record(ctx, id)
	if err != nil {
		return ata.Validation{}, err
	}
	return ata.ValidateWith(rec, s.policy), nil
}

func (s *Service) Changes(ctx context.Context, id int64, limit int) ([]ata.ChangeLogEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	entries, err := s.store.ListChangeLog(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []ata.ChangeLogEntry{}
	}
	return entries, nil
}

func (s *Service) Export(ctx context.Context, id int64, format export.Format) (*export.Result, error) {
	result, err := s.exports.Export(ctx, export.Request{RecordID: id, Format: format})
	s.metrics.Export(string(format), err)
	return result, err
}

// Archived returns the stored Ata of a printed snapshot.
func (s *Service) Archived(ctx context.Context, id int64) (archive.Object, error) {
	if s.archive == nil {
		return archive.Object{}, domainError(http.StatusNotFound, "ARCHIVE_DISABLED", "archive is not configured", nil)
	}
	obj, err := s.archive.Fetch(ctx, id)
	if errors.Is(err, archive.ErrNotFound) {
		return archive.Object{}, domainError(http.StatusNotFound, "NOT_FOUND", msgNotFound, nil)
	}
	return obj, err
}

// Audit writes client-reported change-log entries.
func (s *Service) Audit(ctx context.Context, entries []ata.ChangeLogEntry) error {
	if len(entries) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entries is required", nil)
	}
	for i, e := range entries {
		if e.SnapshotID <= 0 || strings.TrimSpace(e.Field) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("entry %d needs snapshot_id and field_name", i), nil)
		}
	}
	if err := s.store.InsertChangeLog(ctx, entries); err != nil {
		return err
	}
	s.metrics.ChangeEntries(len(entries))
	return nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// Greeting sends a connecting client the newest stored snapshot.
func (s *Service) Greeting(ctx context.Context) (realtime.Message, bool) {
	latest, err := s.Latest(ctx)
	if err != nil {
		s.logger.Warn("load greeting snapshot", "error", err)
		return realtime.Message{}, false
	}
	if latest == nil {
		return realtime.Message{}, false
	}
	payload, err := json.Marshal(latest)
	if err != nil {
		return realtime.Message{}, false
	}
	return realtime.Message{Event: realtime.EventContabilizacao, Payload: payload}, true
}

// Inbound handles a message sent by a WebSocket client.
func (s *Service) Inbound(ctx context.Context, clientID string, msg realtime.Message) error {
	switch msg.Event {
	case inboundSubmit:
		raw, admin, err := decodeSubmission(msg.Payload)
		if err != nil {
			return err
		}
		_, err = s.Submit(ctx, raw, admin)
		return err
	case inboundEdits:
		var edits []ata.Edit
		if err := json.Unmarshal(msg.Payload, &edits); err != nil {
			return fmt.Errorf("invalid edits payload")
		}
		_, err := s.ApplyEdits(ctx, edits)
		return err
	case inboundPrinted:
		var body struct {
			ID int64 `json:"id"`
		}
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &body)
		}
		if body.ID == 0 {
			last, ok := s.session.LastCommitted()
			if !ok {
				return fmt.Errorf("%s", msgIDRequired)
			}
			body.ID = last.ID
		}
		return s.MarkPrinted(ctx, body.ID)
	default:
		s.logger.Debug("unknown inbound event", "client", clientID, "event", msg.Event)
		return fmt.Errorf("unknown event %q", msg.Event)
	}
}

// decodeSubmission reads a full form snapshot and its admin flag.
func decodeSubmission(data []byte) (ata.RawRecord, bool, error) {
	var raw ata.RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return ata.RawRecord{}, false, fmt.Errorf("invalid JSON body")
	}
	var flags struct {
		Admin bool `json:"admin"`
	}
	_ = json.Unmarshal(data, &flags)
	return raw, flags.Admin, nil
}

func (s *Service) publishChange(ctx context.Context, change realtime.RowChange) {
	if s.feed == nil {
		return
	}
	err := s.feed.Publish(ctx, change)
	s.metrics.Publish(realtime.EventRowChange, err)
	if err != nil {
		s.logger.Warn("publish row change failed", "type", change.Type, "error", err)
	}
}
