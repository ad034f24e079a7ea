package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/metrics"
	"ccbcounter/api/internal/realtime"
	"ccbcounter/api/internal/store"
)

// ErrNoRehearsalDate is returned in upsert mode when the working record has
// no rehearsal date to key on.
var ErrNoRehearsalDate = errors.New("dataEnsaio é obrigatória no modo upsert")

// PersistMode selects how commits reach the store.
type PersistMode string

const (
	PersistAppend PersistMode = "append"
	PersistUpdate PersistMode = "update"
	PersistUpsert PersistMode = "upsert"
)

// ParsePersistMode accepts append, update and upsert. Empty means append.
func ParsePersistMode(s string) (PersistMode, error) {
	switch PersistMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", PersistAppend:
		return PersistAppend, nil
	case PersistUpdate:
		return PersistUpdate, nil
	case PersistUpsert:
		return PersistUpsert, nil
	default:
		return "", fmt.Errorf("unknown persist mode %q", s)
	}
}

const table = "contabilizacao"

// Archiver stores the rendered Ata of a printed snapshot.
type Archiver interface {
	Archive(ctx context.Context, id int64) (string, error)
}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	Catalog   *ata.Catalog
	Roles     []string
	Policy    ata.TotalsPolicy
	Differ    ata.Differ
	Mode      PersistMode
	Debounce  time.Duration
	Heartbeat time.Duration
	State     StateStore
	Archiver  Archiver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result describes one send.
type Result struct {
	Skipped  bool           `json:"skipped"`
	ID       int64          `json:"id,omitempty"`
	Changes  []ata.Change   `json:"changes,omitempty"`
	Snapshot *ata.RawRecord `json:"snapshot,omitempty"`
}

// View is the working record with its derived figures.
type View struct {
	Record     ata.Record     `json:"record"`
	Totals     ata.Totals     `json:"totals"`
	Validation ata.Validation `json:"validation"`
}

// Session owns the working record of one rehearsal. Edits are applied under
// a mutex; commits are serialized.
type Session struct {
	store     store.RecordStore
	transport realtime.Transport
	feed      *realtime.RowFeed
	opts      Options
	logger    *slog.Logger
	sched     *Scheduler

	mu      sync.Mutex
	working ata.Record

	sendMu    sync.Mutex
	committed *ata.RawRecord
}

func New(st store.RecordStore, t realtime.Transport, opts Options) *Session {
	if opts.Catalog == nil {
		opts.Catalog = ata.DefaultCatalog()
	}
	if opts.Roles == nil {
		opts.Roles = ata.DefaultRoles
	}
	if opts.Policy == nil {
		opts.Policy = ata.SeparateOrganists{}
	}
	if opts.Mode == "" {
		opts.Mode = PersistAppend
	}
	if opts.State == nil {
		opts.State = NewMemoryState()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Session{
		store:     st,
		transport: t,
		feed:      realtime.NewRowFeed(t),
		opts:      opts,
		logger:    opts.Logger.With("component", "session"),
	}
	s.working = s.fresh()
	s.sched = NewScheduler(opts.Debounce, opts.Heartbeat, s.autoSend, s.autoHeartbeat)
	return s
}

func (s *Session) fresh() ata.Record {
	return ata.NewRecord(s.opts.Catalog, s.opts.Roles)
}

// Run drives the debounce and heartbeat until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	s.sched.Run(ctx)
}

func (s *Session) autoSend(ctx context.Context) {
	if _, err := s.Send(ctx); err != nil {
		s.logger.Error("debounced send failed", "error", err)
	}
}

func (s *Session) autoHeartbeat(ctx context.Context) {
	if err := s.Heartbeat(ctx); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)
	}
}

// Working returns a copy of the working record with totals and validation.
func (s *Session) Working() View {
	s.mu.Lock()
	r := s.working.Clone()
	s.mu.Unlock()
	return View{
		Record:     r,
		Totals:     s.opts.Policy.Totals(r),
		Validation: ata.ValidateWith(r, s.opts.Policy),
	}
}

// Apply runs edits against the working record and re-arms the debounce.
// Edits are all-or-nothing.
func (s *Session) Apply(_ context.Context, edits ...ata.Edit) (View, error) {
	s.mu.Lock()
	next := s.working.Clone()
	for i, e := range edits {
		if err := e.Apply(&next, s.opts.Catalog); err != nil {
			s.mu.Unlock()
			return View{}, fmt.Errorf("edit %d (%s): %w", i, e.Op, err)
		}
	}
	s.working = next
	s.mu.Unlock()

	s.sched.Trigger()
	return s.Working(), nil
}

// Replace swaps the whole working record, as a client submitting its full
// form does. Identity fields are ignored.
func (s *Session) Replace(r ata.Record) {
	r = r.Clone()
	r.ID = 0
	r.Timestamp = time.Time{}
	r.Printed = false
	s.mu.Lock()
	s.working = r
	s.mu.Unlock()
}

// Send commits the working record unless it matches what was last sent.
func (s *Session) Send(ctx context.Context) (Result, error) {
	return s.send(ctx, false)
}

// ForceSend commits even when nothing changed, then announces the snapshot
// on the admin event before the regular one.
func (s *Session) ForceSend(ctx context.Context) (Result, error) {
	return s.send(ctx, true)
}

func (s *Session) send(ctx context.Context, admin bool) (Result, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	rec := s.working.Clone()
	s.mu.Unlock()
	rec.Stamp(s.opts.Policy)

	payload, err := canonical(rec)
	if err != nil {
		return Result{}, err
	}
	if !admin {
		last, ok, err := s.opts.State.LastSent(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			baseline := s.fresh()
			baseline.Stamp(s.opts.Policy)
			if last, err = canonical(baseline); err != nil {
				return Result{}, err
			}
		}
		if bytes.Equal(last, payload) {
			s.opts.Metrics.SendSkipped()
			return Result{Skipped: true}, nil
		}
	}

	prev, err := s.previous(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	changes := s.opts.Differ.Diff(prev, rec)

	id, inserted, err := s.persist(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	s.opts.Metrics.Commit(string(s.opts.Mode))

	if len(changes) > 0 {
		entries := ata.LogEntries(id, s.opts.Now().UTC(), changes)
		if err := s.store.InsertChangeLog(ctx, entries); err != nil {
			s.logger.Error("write change log", "snapshot_id", id, "error", err)
		} else {
			s.opts.Metrics.ChangeEntries(len(entries))
		}
	}
	if err := s.opts.State.SetLastSent(ctx, payload); err != nil {
		return Result{}, err
	}

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("reload snapshot %d: %w", id, err)
	}
	s.committed = &stored

	change := realtime.RowChange{Table: table, Type: realtime.RowUpdate, New: stored}
	if inserted {
		change.Type = realtime.RowInsert
	}
	if prev != nil {
		change.Old = prev.Raw()
	}
	s.publishChange(ctx, change)
	if admin {
		s.publish(ctx, realtime.EventAdmin, stored)
	}
	s.publish(ctx, realtime.EventContabilizacao, stored)

	s.logger.Info("snapshot committed", "id", id, "mode", s.opts.Mode, "changes", len(changes), "admin", admin)
	return Result{ID: id, Changes: changes, Snapshot: &stored}, nil
}

// previous loads the snapshot the commit is diffed against: the working row
// in update mode, the row for the same rehearsal date in upsert mode, and
// the newest row otherwise.
func (s *Session) previous(ctx context.Context, rec ata.Record) (*ata.Record, error) {
	var raw ata.RawRecord
	var err error
	switch s.opts.Mode {
	case PersistUpdate:
		id, ok, idErr := s.opts.State.WorkingID(ctx)
		if idErr != nil {
			return nil, idErr
		}
		if !ok {
			return nil, nil
		}
		raw, err = s.store.Get(ctx, id)
	case PersistUpsert:
		if strings.TrimSpace(rec.RehearsalDate) == "" {
			return nil, nil
		}
		raw, err = s.store.GetByRehearsalDate(ctx, rec.RehearsalDate)
	default:
		raw, err = s.store.SelectLatest(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	prev := ata.Normalize(raw)
	return &prev, nil
}

func (s *Session) persist(ctx context.Context, rec ata.Record) (id int64, inserted bool, err error) {
	rec.Timestamp = s.opts.Now().UTC()
	switch s.opts.Mode {
	case PersistUpdate:
		workingID, ok, err := s.opts.State.WorkingID(ctx)
		if err != nil {
			return 0, false, err
		}
		if ok {
			err = s.store.Update(ctx, workingID, rec)
			if err == nil {
				return workingID, false, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return 0, false, fmt.Errorf("update snapshot %d: %w", workingID, err)
			}
		}
		id, err := s.store.Insert(ctx, rec)
		if err != nil {
			return 0, false, fmt.Errorf("insert snapshot: %w", err)
		}
		if err := s.opts.State.SetWorkingID(ctx, id); err != nil {
			return 0, false, err
		}
		return id, true, nil
	case PersistUpsert:
		if strings.TrimSpace(rec.RehearsalDate) == "" {
			return 0, false, ErrNoRehearsalDate
		}
		id, err := s.store.Upsert(ctx, rec, store.ConflictRehearsalDate)
		if err != nil {
			return 0, false, fmt.Errorf("upsert snapshot: %w", err)
		}
		return id, false, nil
	default:
		id, err := s.store.Insert(ctx, rec)
		if err != nil {
			return 0, false, fmt.Errorf("insert snapshot: %w", err)
		}
		return id, true, nil
	}
}

// Heartbeat re-publishes the last committed snapshot. Before the first
// commit it falls back to the newest stored one; an empty store publishes
// nothing.
func (s *Session) Heartbeat(ctx context.Context) error {
	s.sendMu.Lock()
	snapshot := s.committed
	s.sendMu.Unlock()

	if snapshot == nil {
		raw, err := s.store.SelectLatest(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load latest snapshot: %w", err)
		}
		snapshot = &raw
	}
	return s.publish(ctx, realtime.EventContabilizacao, *snapshot)
}

// LastCommitted returns the snapshot the session last stored, if any.
func (s *Session) LastCommitted() (ata.RawRecord, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.committed == nil {
		return ata.RawRecord{}, false
	}
	return *s.committed, true
}

// MarkPrinted closes snapshot id: it is flagged printed, archived when an
// archiver is configured, and the session starts over from a zero record.
func (s *Session) MarkPrinted(ctx context.Context, id int64) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.store.MarkPrinted(ctx, id); err != nil {
		return fmt.Errorf("mark printed %d: %w", id, err)
	}
	if s.opts.Archiver != nil {
		key, err := s.opts.Archiver.Archive(ctx, id)
		if err != nil {
			s.logger.Error("archive ata", "id", id, "error", err)
		} else {
			s.logger.Info("ata archived", "id", id, "key", key)
		}
	}

	s.mu.Lock()
	s.working = s.fresh()
	s.mu.Unlock()
	if err := s.opts.State.Clear(ctx); err != nil {
		return err
	}
	s.committed = nil

	if raw, err := s.store.Get(ctx, id); err == nil {
		s.publishChange(ctx, realtime.RowChange{Table: table, Type: realtime.RowUpdate, New: raw})
	}
	s.publish(ctx, realtime.EventReset, map[string]int64{"id": id})
	s.logger.Info("snapshot printed", "id", id)
	return nil
}

func (s *Session) publish(ctx context.Context, event string, payload any) error {
	if s.transport == nil {
		return nil
	}
	err := s.transport.Publish(ctx, event, payload)
	s.opts.Metrics.Publish(event, err)
	if err != nil {
		s.logger.Warn("publish failed", "event", event, "error", err)
	}
	return err
}

func (s *Session) publishChange(ctx context.Context, change realtime.RowChange) {
	if s.transport == nil {
		return
	}
	err := s.feed.Publish(ctx, change)
	s.opts.Metrics.Publish(realtime.EventRowChange, err)
	if err != nil {
		s.logger.Warn("publish row change failed", "error", err)
	}
}

// canonical encodes the content fields of r. Two records with the same
// content encode to the same bytes.
func canonical(r ata.Record) ([]byte, error) {
	r.ID = 0
	r.Timestamp = time.Time{}
	r.Printed = false
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
