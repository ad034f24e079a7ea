package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/goleak"

	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/realtime"
	"ccbcounter/api/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	last   map[string]json.RawMessage
}

func record(t *testing.T, bus *realtime.Bus) *recorder {
	t.Helper()
	r := &recorder{last: map[string]json.RawMessage{}}
	for _, event := range realtime.Events {
		if _, err := bus.Subscribe(event, func(m realtime.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, m.Event)
			r.last[m.Event] = m.Payload
		}); err != nil {
			t.Fatalf("subscribe %s: %v", event, err)
		}
	}
	return r
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestSession(t *testing.T, opts Options) (*Session, *store.MemoryStore, *recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := realtime.NewBus()
	rec := record(t, bus)
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC) }
	}
	return New(st, bus, opts), st, rec
}

func findChange(changes []ata.Change, field string) (ata.Change, bool) {
	for _, c := range changes {
		if c.Field == field {
			return c, true
		}
	}
	return ata.Change{}, false
}

func TestFirstZeroSendIsSuppressed(t *testing.T) {
	s, st, rec := newTestSession(t, Options{})
	res, err := s.Send(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected untouched working record to be skipped")
	}
	if all, _ := st.SelectAll(context.Background(), 0); len(all) != 0 {
		t.Fatalf("expected no rows, got %d", len(all))
	}
	if rec.count(realtime.EventContabilizacao) != 0 {
		t.Fatal("expected no publish for skipped send")
	}
}

func TestSendCommitsDiffsAndPublishes(t *testing.T) {
	s, st, rec := newTestSession(t, Options{})
	ctx := context.Background()

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Flautas", Count: 5}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.Skipped || first.ID == 0 {
		t.Fatalf("expected a commit, got %+v", first)
	}
	if c, ok := findChange(first.Changes, ata.FieldMusicians); !ok || c.Old != 0 || c.New != 5 {
		t.Fatalf("expected musicians baseline 0 -> 5, got %+v", first.Changes)
	}
	if _, ok := findChange(first.Changes, ata.FieldOrganists); !ok {
		t.Fatalf("expected organists baseline entry, got %+v", first.Changes)
	}

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Flautas", Count: 8}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	second, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected append mode to insert a new row")
	}
	c, ok := findChange(second.Changes, "instrument.Flautas")
	if !ok || c.Old != 5 || c.New != 8 {
		t.Fatalf("expected instrument.Flautas 5 -> 8, got %+v", second.Changes)
	}
	if _, ok := findChange(second.Changes, ata.FieldOrganists); ok {
		t.Fatalf("organists did not change, got %+v", second.Changes)
	}

	log, err := st.ListChangeLog(ctx, second.ID, 0)
	if err != nil {
		t.Fatalf("list change log: %v", err)
	}
	if len(log) != len(second.Changes) {
		t.Fatalf("expected %d change log rows, got %d", len(second.Changes), len(log))
	}

	latest, err := st.SelectLatest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got := ata.Normalize(latest); got.Musicians != 8 || got.Instruments.Count("Flautas") != 8 {
		t.Fatalf("unexpected stored snapshot: %+v", got)
	}
	if rec.count(realtime.EventContabilizacao) != 2 || rec.count(realtime.EventRowChange) != 2 {
		t.Fatalf("unexpected events: %v", rec.sequence())
	}

	again, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send again: %v", err)
	}
	if !again.Skipped {
		t.Fatal("expected identical payload to be skipped")
	}
}

func TestForceSendPublishesAdminFirst(t *testing.T) {
	s, _, rec := newTestSession(t, Options{})
	res, err := s.ForceSend(context.Background())
	if err != nil {
		t.Fatalf("force send: %v", err)
	}
	if res.Skipped {
		t.Fatal("force send must not be skipped")
	}
	var order []string
	for _, e := range rec.sequence() {
		if e == realtime.EventAdmin || e == realtime.EventContabilizacao {
			order = append(order, e)
		}
	}
	if len(order) != 2 || order[0] != realtime.EventAdmin || order[1] != realtime.EventContabilizacao {
		t.Fatalf("unexpected publish order: %v", order)
	}
}

func TestUpdateModeKeepsOneRow(t *testing.T) {
	s, st, _ := newTestSession(t, Options{Mode: PersistUpdate})
	ctx := context.Background()

	var ids []int64
	for _, n := range []int{1, 2, 3} {
		if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Violinos", Count: n}); err != nil {
			t.Fatalf("apply: %v", err)
		}
		res, err := s.Send(ctx)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		ids = append(ids, res.ID)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("expected one working row, got ids %v", ids)
	}
	all, _ := st.SelectAll(ctx, 0)
	if len(all) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all))
	}
	log, _ := st.ListChangeLog(ctx, ids[0], 0)
	var violinos int
	for _, e := range log {
		if e.Field == "instrument.Violinos" {
			violinos++
		}
	}
	if violinos != 3 {
		t.Fatalf("expected 3 Violinos entries in the change log, got %d", violinos)
	}
}

func TestFamilyPolicyAuditsDerivedOrganists(t *testing.T) {
	policy := ata.FamilyDerived{Families: ata.DefaultFamilies()}
	s, st, _ := newTestSession(t, Options{Policy: policy})
	ctx := context.Background()

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Violinos", Count: 4}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Send(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Órgão", Count: 3}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if c, ok := findChange(res.Changes, ata.FieldOrganists); !ok || c.Old != 0 || c.New != 3 {
		t.Fatalf("expected organists 0 -> 3, got %+v", res.Changes)
	}
	if _, ok := findChange(res.Changes, ata.FieldMusicians); ok {
		t.Fatalf("organ count must not move musicians, got %+v", res.Changes)
	}

	raw, err := st.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stored := ata.Normalize(raw)
	if want := policy.Totals(stored).TotalOrganists; stored.Organists != want {
		t.Fatalf("stored organists = %d, Ata shows %d", stored.Organists, want)
	}
}

func TestUpsertModeNeedsRehearsalDate(t *testing.T) {
	s, st, _ := newTestSession(t, Options{Mode: PersistUpsert})
	ctx := context.Background()
	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpIncrement, Instrument: "Tubas"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Send(ctx); !errors.Is(err, ErrNoRehearsalDate) {
		t.Fatalf("expected ErrNoRehearsalDate, got %v", err)
	}

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetField, Field: "dataEnsaio", Value: "2026-03-01"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpIncrement, Instrument: "Tubas"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	second, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same row for same date, got %d and %d", first.ID, second.ID)
	}
	if all, _ := st.SelectAll(ctx, 0); len(all) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all))
	}
}

func TestUpsertModeDiffsAgainstSameDate(t *testing.T) {
	s, st, _ := newTestSession(t, Options{Mode: PersistUpsert})
	ctx := context.Background()

	if _, err := s.Apply(ctx,
		ata.Edit{Op: ata.OpSetField, Field: "dataEnsaio", Value: "2026-03-01"},
		ata.Edit{Op: ata.OpSetCount, Instrument: "Flautas", Count: 5},
	); err != nil {
		t.Fatalf("apply: %v", err)
	}
	first, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	other := ata.NewRecord(ata.DefaultCatalog(), nil)
	other.RehearsalDate = "2026-03-08"
	other.SetCount("Flautas", 20)
	other.Stamp(nil)
	if _, err := st.Insert(ctx, other); err != nil {
		t.Fatalf("insert other date: %v", err)
	}

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Flautas", Count: 6}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	second, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected row %d to be upserted, got %d", first.ID, second.ID)
	}
	c, ok := findChange(second.Changes, "instrument.Flautas")
	if !ok || c.Old != 5 || c.New != 6 {
		t.Fatalf("expected Flautas 5 -> 6 against the same date, got %+v", second.Changes)
	}
}

type fakeArchiver struct {
	ids []int64
}

func (a *fakeArchiver) Archive(_ context.Context, id int64) (string, error) {
	a.ids = append(a.ids, id)
	return "atas/x.docx", nil
}

func TestMarkPrintedResetsSession(t *testing.T) {
	archiver := &fakeArchiver{}
	s, st, rec := newTestSession(t, Options{Archiver: archiver})
	ctx := context.Background()

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpSetCount, Instrument: "Trompetes", Count: 4}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.MarkPrinted(ctx, res.ID); err != nil {
		t.Fatalf("mark printed: %v", err)
	}

	raw, _ := st.Get(ctx, res.ID)
	if !ata.Normalize(raw).Printed {
		t.Fatal("expected stored snapshot to be printed")
	}
	if len(archiver.ids) != 1 || archiver.ids[0] != res.ID {
		t.Fatalf("expected archive of %d, got %v", res.ID, archiver.ids)
	}
	if rec.count(realtime.EventReset) != 1 {
		t.Fatalf("expected one reset event, got %v", rec.sequence())
	}
	var reset map[string]int64
	_ = json.Unmarshal(rec.last[realtime.EventReset], &reset)
	if reset["id"] != res.ID {
		t.Fatalf("unexpected reset payload %s", rec.last[realtime.EventReset])
	}
	view := s.Working()
	if view.Totals.TotalMusicians != 0 || view.Record.Instruments.Len() != ata.DefaultCatalog().Len() {
		t.Fatalf("expected zeroed working record, got %+v", view.Totals)
	}
	if _, ok := s.LastCommitted(); ok {
		t.Fatal("expected last committed snapshot to be cleared")
	}

	after, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send after reset: %v", err)
	}
	if !after.Skipped {
		t.Fatal("expected zero record after reset to be skipped")
	}
}

func TestMarkPrintedUnknownID(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	if err := s.MarkPrinted(context.Background(), 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatRepublishesLastCommitted(t *testing.T) {
	s, _, rec := newTestSession(t, Options{})
	ctx := context.Background()

	if err := s.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat on empty store: %v", err)
	}
	if rec.count(realtime.EventContabilizacao) != 0 {
		t.Fatal("expected no publish before anything is stored")
	}

	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpIncrement, Instrument: "Violas"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Heartbeat(ctx); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	if got := rec.count(realtime.EventContabilizacao); got != 3 {
		t.Fatalf("expected 3 publishes, got %d", got)
	}
	var snapshot ata.RawRecord
	if err := json.Unmarshal(rec.last[realtime.EventContabilizacao], &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ID != res.ID {
		t.Fatalf("expected heartbeat of %d, got %d", res.ID, snapshot.ID)
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	_, err := s.Apply(context.Background(),
		ata.Edit{Op: ata.OpIncrement, Instrument: "Violinos"},
		ata.Edit{Op: "explode"},
	)
	if !errors.Is(err, ata.ErrUnknownEdit) {
		t.Fatalf("expected ErrUnknownEdit, got %v", err)
	}
	if s.Working().Record.Instruments.Count("Violinos") != 0 {
		t.Fatal("expected working record unchanged after a failed batch")
	}
}

func TestMinistryAuditToggle(t *testing.T) {
	s, st, _ := newTestSession(t, Options{Differ: ata.Differ{IncludeMinistry: true}})
	ctx := context.Background()
	if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpAddName, Role: "Anciões", Name: "Ir. João"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := s.Send(ctx)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	log, _ := st.ListChangeLog(ctx, res.ID, 0)
	var found bool
	for _, e := range log {
		if e.Field == "ministerio.Anciões.names" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ministry names entry, got %+v", log)
	}
}

func TestReplaceSubmitsFullForm(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	r := ata.NewRecord(ata.DefaultCatalog(), nil)
	r.ID = 99
	r.City = "Jundiaí"
	r.SetCount("Saxofones", 2)
	s.Replace(r)

	res, err := s.Send(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ID == 99 {
		t.Fatal("submitted id must be ignored")
	}
	got := ata.Normalize(*res.Snapshot)
	if got.City != "Jundiaí" || got.Musicians != 2 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestRunCommitsAfterDebounce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, st, _ := newTestSession(t, Options{Debounce: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		if _, err := s.Apply(ctx, ata.Edit{Op: ata.OpIncrement, Instrument: "Oboés"}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		all, _ := st.SelectAll(context.Background(), 0)
		if len(all) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one debounced commit, have %d rows", len(all))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestParsePersistMode(t *testing.T) {
	cases := map[string]PersistMode{"": PersistAppend, "append": PersistAppend, "UPDATE": PersistUpdate, " upsert ": PersistUpsert}
	for in, want := range cases {
		got, err := ParsePersistMode(in)
		if err != nil || got != want {
			t.Fatalf("ParsePersistMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePersistMode("mixed"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestRedisState(t *testing.T) {
	mr := miniredis.RunT(t)
	state, err := NewRedisState("redis://"+mr.Addr(), "ensaio")
	if err != nil {
		t.Fatalf("new redis state: %v", err)
	}
	defer state.Close()
	ctx := context.Background()

	if _, ok, err := state.LastSent(ctx); err != nil || ok {
		t.Fatalf("expected no last sent, got ok=%v err=%v", ok, err)
	}
	if err := state.SetLastSent(ctx, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("set last sent: %v", err)
	}
	if err := state.SetWorkingID(ctx, 12); err != nil {
		t.Fatalf("set working id: %v", err)
	}
	if !mr.Exists("session:ensaio:last_sent") {
		t.Fatal("expected session:ensaio:last_sent key")
	}
	got, ok, err := state.LastSent(ctx)
	if err != nil || !ok || string(got) != `{"a":1}` {
		t.Fatalf("unexpected last sent %q ok=%v err=%v", got, ok, err)
	}
	id, ok, err := state.WorkingID(ctx)
	if err != nil || !ok || id != 12 {
		t.Fatalf("unexpected working id %d ok=%v err=%v", id, ok, err)
	}
	if err := state.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := state.WorkingID(ctx); ok {
		t.Fatal("expected working id cleared")
	}
}

func TestSessionsShareRedisState(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	st := store.NewMemoryStore()
	bus := realtime.NewBus()

	stateA, err := NewRedisState("redis://"+mr.Addr(), "shared")
	if err != nil {
		t.Fatalf("state a: %v", err)
	}
	defer stateA.Close()
	stateB, err := NewRedisState("redis://"+mr.Addr(), "shared")
	if err != nil {
		t.Fatalf("state b: %v", err)
	}
	defer stateB.Close()

	a := New(st, bus, Options{State: stateA})
	b := New(st, bus, Options{State: stateB})

	if _, err := a.Apply(ctx, ata.Edit{Op: ata.OpIncrement, Instrument: "Fagotes"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := a.Send(ctx); err != nil {
		t.Fatalf("send a: %v", err)
	}
	if _, err := b.Apply(ctx, ata.Edit{Op: ata.OpIncrement, Instrument: "Fagotes"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := b.Send(ctx)
	if err != nil {
		t.Fatalf("send b: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected the second instance to see the shared last-sent payload")
	}
}
