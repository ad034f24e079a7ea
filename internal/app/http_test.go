package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ccbcounter/api/internal/archive"
	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/export"
	"ccbcounter/api/internal/metrics"
	"ccbcounter/api/internal/realtime"
	"ccbcounter/api/internal/search"
	"ccbcounter/api/internal/session"
	"ccbcounter/api/internal/store"
)

type pingStore struct {
	*store.MemoryStore
	pingErr error
}

func (p *pingStore) Ping(context.Context) error { return p.pingErr }

type events struct {
	mu   sync.Mutex
	seen []string
}

func (e *events) add(m realtime.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, m.Event)
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

type testServer struct {
	handler http.Handler
	store   *pingStore
	bus     *realtime.Bus
	hub     *realtime.Hub
	objects *archive.MemoryStore
	events  *events
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		store:   &pingStore{MemoryStore: store.NewMemoryStore()},
		bus:     realtime.NewBus(),
		objects: archive.NewMemoryStore(),
		events:  &events{},
		metrics: metrics.New(),
	}
	t.Cleanup(func() { _ = ts.bus.Close() })

	for _, event := range realtime.Events {
		if _, err := ts.bus.Subscribe(event, ts.events.add); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	exports := export.NewService(ts.store, export.BuildOptions{})
	archiver := archive.NewArchiver(exports, ts.objects, export.FormatHTML)
	sess := session.New(ts.store, ts.bus, session.Options{
		Differ:   ata.Differ{IncludeMinistry: true},
		Archiver: archiver,
		Metrics:  ts.metrics,
	})
	svc := New(Deps{
		Store:     ts.store,
		Session:   sess,
		Exports:   exports,
		Search:    search.NewService(nil, search.NewScan(ts.store), nil),
		Archive:   archiver,
		Transport: ts.bus,
		Differ:    ata.Differ{IncludeMinistry: true},
		Metrics:   ts.metrics,
	})
	ts.hub = realtime.NewHub(ts.bus, realtime.HubOptions{Inbound: svc.Inbound, Greeting: svc.Greeting})
	if err := ts.hub.Start(); err != nil {
		t.Fatalf("hub start: %v", err)
	}
	t.Cleanup(ts.hub.Close)

	ts.handler = NewHTTPServer(svc, ServerOptions{WebSocket: ts.hub, Metrics: ts.metrics}).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (%s)", rr.Code, status, rr.Body.String())
	}
	body := decode[map[string]any](t, rr)
	if body["error"] != message {
		t.Fatalf("error = %v, want %q", body["error"], message)
	}
	if body["code"] == "" || body["code"] == nil {
		t.Fatalf("missing code in %v", body)
	}
}

const campinas = `{"cidade":"Campinas","estado":"SP","local":"Central","dataEnsaio":"2024-03-10",
	"instruments":{"Violinos":3,"Trompetes":2},"organists":1}`

func (ts *testServer) submit(t *testing.T, body string) session.Result {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/contabilizacao", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d (%s)", rr.Code, rr.Body.String())
	}
	return decode[session.Result](t, rr)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/health", "/api/health"} {
		rr := ts.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["ok"] != true {
			t.Fatalf("%s: %d %s", path, rr.Code, rr.Body.String())
		}
	}

	rr := ts.do(t, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["status"] != "ready" {
		t.Fatalf("ready: %d %s", rr.Code, rr.Body.String())
	}

	ts.store.pingErr = errors.New("connection refused")
	rr = ts.do(t, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks := decode[map[string]any](t, rr)["checks"].(map[string]any)
	if db := checks["database"].(map[string]any); db["error"] != "connection refused" {
		t.Fatalf("database check = %v", db)
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors origin = %q", got)
	}

	rr = ts.do(t, http.MethodOptions, "/api/contabilizacao/1", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d", rr.Code)
	}
}

func TestLatestIsNullWhenEmpty(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/last", "/api/contabilizacao/latest"} {
		rr := ts.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "null" {
			t.Fatalf("%s: %d %q", path, rr.Code, rr.Body.String())
		}
	}
	rr := ts.do(t, http.MethodGet, "/api/contabilizacoes", "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("list: %d %q", rr.Code, rr.Body.String())
	}
}

func TestSubmitAndRead(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)
	if res.Skipped || res.ID == 0 || res.Snapshot == nil {
		t.Fatalf("result = %+v", res)
	}

	again := ts.submit(t, campinas)
	if !again.Skipped {
		t.Fatalf("identical submit should be skipped: %+v", again)
	}

	latest := decode[ata.RawRecord](t, ts.do(t, http.MethodGet, "/last", ""))
	rec := ata.Normalize(latest)
	if rec.ID != res.ID || rec.City != "Campinas" || rec.Musicians != 5 || rec.Organists != 1 {
		t.Fatalf("latest = %+v", rec)
	}
	if keys := rec.Instruments.Keys(); keys[0] != "Violinos" {
		t.Fatalf("instrument order = %v", keys)
	}

	path := "/api/contabilizacao/" + itoa(res.ID)
	if rr := ts.do(t, http.MethodGet, path, ""); rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	totals := decode[ata.Totals](t, ts.do(t, http.MethodGet, path+"/totals", ""))
	if totals.TotalMusicians != 5 || totals.TotalOrganists != 1 || totals.TotalOverall != 6 {
		t.Fatalf("totals = %+v", totals)
	}
	validation := decode[ata.Validation](t, ts.do(t, http.MethodGet, path+"/validate", ""))
	if !validation.IsValid || len(validation.Warnings) == 0 {
		t.Fatalf("missing people should only warn: %+v", validation)
	}

	changes := decode[struct {
		Changes []ata.ChangeLogEntry `json:"changes"`
	}](t, ts.do(t, http.MethodGet, path+"/changes", ""))
	if len(changes.Changes) == 0 {
		t.Fatal("expected change log entries for first commit")
	}

	list := decode[[]ata.RawRecord](t, ts.do(t, http.MethodGet, "/api/contabilizacoes?limit=5", ""))
	if len(list) != 1 {
		t.Fatalf("list = %d rows", len(list))
	}
	expectError(t, ts.do(t, http.MethodGet, "/api/contabilizacoes?limit=x", ""), http.StatusUnprocessableEntity, "limit must be a non-negative integer")
	expectError(t, ts.do(t, http.MethodGet, "/api/contabilizacao/999", ""), http.StatusNotFound, "Registro não encontrado")
	expectError(t, ts.do(t, http.MethodGet, "/api/contabilizacao/abc", ""), http.StatusBadRequest, "id required")
	expectError(t, ts.do(t, http.MethodPost, "/api/contabilizacao", "{"), http.StatusBadRequest, "invalid JSON body")
}

func TestAdminSubmitPublishesAdminFirst(t *testing.T) {
	ts := newTestServer(t)
	ts.submit(t, campinas)
	before := len(ts.events.list())

	res := ts.submit(t, strings.Replace(campinas, "{", `{"admin":true,`, 1))
	if res.Skipped {
		t.Fatal("admin submit must not be skipped")
	}
	var published []string
	for _, e := range ts.events.list()[before:] {
		if e != realtime.EventRowChange {
			published = append(published, e)
		}
	}
	if len(published) != 2 || published[0] != realtime.EventAdmin || published[1] != realtime.EventContabilizacao {
		t.Fatalf("events = %v", published)
	}
}

func TestUpdateDeleteUpsert(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)
	path := "/api/contabilizacao/" + itoa(res.ID)

	rr := ts.do(t, http.MethodPut, path, `{"cidade":"Jundiaí","instruments":{"Tubas":4}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	updated := ata.Normalize(decode[ata.RawRecord](t, rr))
	if updated.City != "Jundiaí" || updated.Musicians != 4 {
		t.Fatalf("updated = %+v", updated)
	}
	expectError(t, ts.do(t, http.MethodPut, "/api/contabilizacao/999", `{}`), http.StatusNotFound, "Registro não encontrado")

	expectError(t, ts.do(t, http.MethodPost, "/api/contabilizacao/upsert", `{"cidade":"X"}`),
		http.StatusUnprocessableEntity, session.ErrNoRehearsalDate.Error())
	first := decode[ata.RawRecord](t, ts.do(t, http.MethodPost, "/api/contabilizacao/upsert", `{"dataEnsaio":"2024-05-01","cidade":"A"}`))
	second := decode[ata.RawRecord](t, ts.do(t, http.MethodPost, "/api/contabilizacao/upsert", `{"dataEnsaio":"2024-05-01","cidade":"B"}`))
	if first.ID != second.ID || second.City != "B" {
		t.Fatalf("upsert ids %d/%d city %q", first.ID, second.ID, second.City)
	}

	if rr := ts.do(t, http.MethodDelete, path, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	expectError(t, ts.do(t, http.MethodDelete, path, ""), http.StatusNotFound, "Registro não encontrado")
}

func (ts *testServer) changeLog(t *testing.T, id int64) []ata.ChangeLogEntry {
	t.Helper()
	return decode[struct {
		Changes []ata.ChangeLogEntry `json:"changes"`
	}](t, ts.do(t, http.MethodGet, "/api/contabilizacao/"+itoa(id)+"/changes", "")).Changes
}

func findEntry(entries []ata.ChangeLogEntry, field string) (ata.ChangeLogEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Field == field {
			return entries[i], true
		}
	}
	return ata.ChangeLogEntry{}, false
}

func TestDirectWritesAreAudited(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, `{"dataEnsaio":"2024-04-01","instruments":{"Flautas":5}}`)

	rr := ts.do(t, http.MethodPut, "/api/contabilizacao/"+itoa(res.ID), `{"dataEnsaio":"2024-04-01","instruments":{"Flautas":8}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	entries := ts.changeLog(t, res.ID)
	if e, ok := findEntry(entries, "instrument.Flautas"); !ok || e.OldValue != float64(5) || e.NewValue != float64(8) {
		t.Fatalf("expected Flautas 5 -> 8 after update, got %+v", entries)
	}
	if e, ok := findEntry(entries, ata.FieldMusicians); !ok || e.OldValue != float64(5) || e.NewValue != float64(8) {
		t.Fatalf("expected musicians 5 -> 8 after update, got %+v", entries)
	}

	first := decode[ata.RawRecord](t, ts.do(t, http.MethodPost, "/api/contabilizacao/upsert", `{"dataEnsaio":"2024-05-01","instruments":{"Tubas":1}}`))
	if _, ok := findEntry(ts.changeLog(t, first.ID), ata.FieldMusicians); !ok {
		t.Fatal("expected a baseline entry for the upserted insert")
	}
	second := decode[ata.RawRecord](t, ts.do(t, http.MethodPost, "/api/contabilizacao/upsert", `{"dataEnsaio":"2024-05-01","instruments":{"Tubas":3}}`))
	if second.ID != first.ID {
		t.Fatalf("upsert ids %d/%d", first.ID, second.ID)
	}
	if e, ok := findEntry(ts.changeLog(t, first.ID), "instrument.Tubas"); !ok || e.OldValue != float64(1) || e.NewValue != float64(3) {
		t.Fatalf("expected Tubas 1 -> 3 after upsert, got %+v", ts.changeLog(t, first.ID))
	}
}

func TestSessionEdits(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/session/edits", `{"edits":[
		{"op":"increment","instrument":"Violinos"},
		{"op":"set_count","instrument":"Flautas","count":2},
		{"op":"add_name","role":"Anciões","name":"João"}
	]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("edits: %d %s", rr.Code, rr.Body.String())
	}
	view := decode[session.View](t, ts.do(t, http.MethodGet, "/api/session", ""))
	if view.Totals.TotalMusicians != 3 || view.Totals.TotalMinistry != 1 {
		t.Fatalf("view totals = %+v", view.Totals)
	}

	rr = ts.do(t, http.MethodPost, "/api/session/edits", `{"edits":[{"op":"increment","instrument":"Violinos"},{"op":"explode"}]}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad edit status = %d", rr.Code)
	}
	view = decode[session.View](t, ts.do(t, http.MethodGet, "/api/session", ""))
	if view.Totals.TotalMusicians != 3 {
		t.Fatalf("failed batch must not apply: %+v", view.Totals)
	}
	expectError(t, ts.do(t, http.MethodPost, "/api/session/edits", `{"edits":[]}`), http.StatusUnprocessableEntity, "edits is required")
}

func TestPrintedResetsAndArchives(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)
	path := "/api/contabilizacao/" + itoa(res.ID)

	if rr := ts.do(t, http.MethodPost, path+"/printed", ""); rr.Code != http.StatusOK {
		t.Fatalf("printed: %d %s", rr.Code, rr.Body.String())
	}
	latest := ata.Normalize(decode[ata.RawRecord](t, ts.do(t, http.MethodGet, "/last", "")))
	if !latest.Printed {
		t.Fatal("snapshot should be printed")
	}
	found := false
	for _, e := range ts.events.list() {
		found = found || e == realtime.EventReset
	}
	if !found {
		t.Fatal("reset event not published")
	}
	view := decode[session.View](t, ts.do(t, http.MethodGet, "/api/session", ""))
	if view.Totals.TotalMusicians != 0 {
		t.Fatalf("working record not reset: %+v", view.Totals)
	}

	rr := ts.do(t, http.MethodGet, path+"/archive", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "CAMPINAS") {
		t.Fatalf("archive: %d", rr.Code)
	}
	expectError(t, ts.do(t, http.MethodPost, "/api/contabilizacao/999/printed", ""), http.StatusNotFound, "Registro não encontrado")
}

func TestExportEndpoints(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)
	id := itoa(res.ID)

	for _, path := range []string{"/api/contabilizacao/" + id + "/docx", "/api/docx?id=" + id, "/api/contabilizacao/" + id + "/ata"} {
		rr := ts.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", path, rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get("Content-Type"); got != export.MimeDOCX {
			t.Fatalf("%s: content type %q", path, got)
		}
		if got := rr.Header().Get("Content-Disposition"); got != "attachment; filename=ata_"+id+".docx" {
			t.Fatalf("%s: disposition %q", path, got)
		}
		if !strings.HasPrefix(rr.Body.String(), "PK") {
			t.Fatalf("%s: not a zip", path)
		}
	}

	rr := ts.do(t, http.MethodGet, "/api/contabilizacao/"+id+"/ata?format=html", "")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != export.MimeHTML || !strings.Contains(rr.Body.String(), "CAMPINAS") {
		t.Fatalf("html export: %d %q", rr.Code, rr.Header().Get("Content-Type"))
	}

	expectError(t, ts.do(t, http.MethodGet, "/api/docx", ""), http.StatusBadRequest, "id required")
	expectError(t, ts.do(t, http.MethodGet, "/api/docx?id=0", ""), http.StatusBadRequest, "id required")
	expectError(t, ts.do(t, http.MethodGet, "/api/docx?id=999", ""), http.StatusNotFound, "Registro não encontrado")
	expectError(t, ts.do(t, http.MethodGet, "/api/contabilizacao/"+id+"/ata?format=odt", ""), http.StatusBadRequest, "format must be docx, html or pdf")
}

func TestAuditEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)
	body := `{"entries":[{"snapshot_id":` + itoa(res.ID) + `,"field_name":"regencia","old_value":"","new_value":"Paulo"}]}`
	rr := ts.do(t, http.MethodPost, "/api/audit", body)
	if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["ok"] != true {
		t.Fatalf("audit: %d %s", rr.Code, rr.Body.String())
	}
	changes := decode[struct {
		Changes []ata.ChangeLogEntry `json:"changes"`
	}](t, ts.do(t, http.MethodGet, "/api/contabilizacao/"+itoa(res.ID)+"/changes", ""))
	last := changes.Changes[len(changes.Changes)-1]
	if last.Field != "regencia" || last.NewValue != "Paulo" {
		t.Fatalf("last change = %+v", last)
	}

	expectError(t, ts.do(t, http.MethodPost, "/api/audit", `{"entries":[]}`), http.StatusUnprocessableEntity, "entries is required")
	expectError(t, ts.do(t, http.MethodPost, "/api/audit", `{"entries":[{"field_name":"x"}]}`),
		http.StatusUnprocessableEntity, "entry 0 needs snapshot_id and field_name")
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)
	resp := decode[search.Response](t, ts.do(t, http.MethodGet, "/api/search?q=campinas", ""))
	if resp.Total != 1 || resp.Results[0].ID != res.ID || resp.Query != "campinas" {
		t.Fatalf("search = %+v", resp)
	}
	resp = decode[search.Response](t, ts.do(t, http.MethodGet, "/api/search?q=recife", ""))
	if resp.Total != 0 || resp.Results == nil {
		t.Fatalf("search = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/api/health", "")
	rr := ts.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ccb_http_requests_total") {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func TestWebSocketGreetingAndInbound(t *testing.T) {
	ts := newTestServer(t)
	res := ts.submit(t, campinas)

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var greeting realtime.Message
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var snap ata.RawRecord
	if err := json.Unmarshal(greeting.Payload, &snap); err != nil {
		t.Fatalf("greeting payload: %v", err)
	}
	if greeting.Event != realtime.EventContabilizacao || snap.ID != res.ID {
		t.Fatalf("greeting = %s id %d", greeting.Event, snap.ID)
	}

	if err := conn.WriteJSON(realtime.Message{Event: "printed"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var m realtime.Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for reset: %v", err)
		}
		if m.Event == realtime.EventReset {
			break
		}
	}

	if err := conn.WriteJSON(realtime.Message{Event: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var m realtime.Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("waiting for error: %v", err)
		}
		if m.Event == realtime.EventError {
			break
		}
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
