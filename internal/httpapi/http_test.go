package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call_dashboard/internal/bridge"
	"call_dashboard/internal/calls"
	"call_dashboard/internal/events"
	"call_dashboard/internal/hub"
	"call_dashboard/internal/leads"
	"call_dashboard/internal/provider"
	"call_dashboard/internal/store"
)

type fixture struct {
	router  *Router
	reg     *calls.Registry
	hub     *hub.Hub
	bus     *events.Bus
	leads   *leads.Store
	archive *store.Store
	calls   *fakeProvider
}

type fakeProvider struct {
	configured bool
	lastOpts   provider.ListOptions
}

func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) ListCalls(_ context.Context, opts provider.ListOptions) (json.RawMessage, error) {
	f.lastOpts = opts
	return json.RawMessage(`{"data":[{"id":"c1"}]}`), nil
}

func (f *fakeProvider) GetCall(_ context.Context, id string) (json.RawMessage, error) {
	if id == "missing" {
		return nil, &provider.StatusError{StatusCode: http.StatusNotFound}
	}
	if id == "broken" {
		return nil, &provider.StatusError{StatusCode: http.StatusInternalServerError}
	}
	return json.RawMessage(`{"id":"` + id + `"}`), nil
}

func (f *fakeProvider) StreamAudio(_ context.Context, id string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("RIFF-" + id)), "audio/wav", nil
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ls, err := leads.Open(filepath.Join(dir, "leads.json"))
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(dir, "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		reg:     calls.NewRegistry(10),
		hub:     hub.New(hub.Config{SendBuffer: 32, SendTimeout: time.Second}, nil),
		bus:     events.NewBus(16),
		leads:   ls,
		archive: db,
		calls:   &fakeProvider{configured: true},
	}
	t.Cleanup(func() { _ = f.hub.Close(context.Background()) })
	f.router = NewRouter(Deps{
		Registry:     f.reg,
		Hub:          f.hub,
		Bus:          f.bus,
		Leads:        f.leads,
		Archive:      f.archive,
		Provider:     f.calls,
		PingInterval: time.Second,
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestIngestQueuesEvent(t *testing.T) {
	f := setupTest(t)
	rr := f.do(http.MethodPost, "/api/events", `{"kind":"transcription_received","call_id":"c1","content":"Hi","timestamp":"2025-06-01T15:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case ev := <-f.bus.Events():
		assert.Equal(t, events.KindTranscription, ev.Kind)
		assert.Equal(t, "Hi", ev.Content)
	default:
		t.Fatal("event not on bus")
	}
}

func TestIngestRejectsBadEvents(t *testing.T) {
	f := setupTest(t)
	for _, body := range []string{
		`not json`,
		`{"kind":"call_started"}`,
		`{"kind":"agent_response","call_id":"c1"}`,
		`{"kind":"call_ended","call_id":"c1","timestamp":"soon"}`,
		`{"kind":"call_ended","call_id":"c1"}garbage`,
	} {
		rr := f.do(http.MethodPost, "/api/events", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	assert.Zero(t, f.bus.Len())
}

func TestIngestAcceptsUnknownKind(t *testing.T) {
	f := setupTest(t)
	rr := f.do(http.MethodPost, "/api/events", `{"kind":"user_started_speaking","call_id":"c1"}`)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestIngestAfterBusClosed(t *testing.T) {
	f := setupTest(t)
	f.bus.Close()
	rr := f.do(http.MethodPost, "/api/events", `{"kind":"call_ended","call_id":"c1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestDispositionEndpoints(t *testing.T) {
	f := setupTest(t)

	rr := f.do(http.MethodPost, "/api/calls/c1/accept", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(http.MethodPost, "/api/calls/c2/decline", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(http.MethodPost, "/api/calls/c1/decline", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(http.MethodGet, "/api/leads", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"accepted":{},"declined":{"c1":true,"c2":true}}`, rr.Body.String())
}

func TestDispositionStorageFailure(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, os.WriteFile(f.leads.Path(), []byte("{oops"), 0o644))

	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodPost, "/api/calls/c1/accept", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/leads", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/ops/health", "").Code)
}

func TestActiveAndHistory(t *testing.T) {
	f := setupTest(t)
	t0 := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	_, err := f.reg.Start("live", "a", "b", t0)
	require.NoError(t, err)
	_, err = f.reg.Start("done", "a", "b", t0)
	require.NoError(t, err)
	_, err = f.reg.Complete("done")
	require.NoError(t, err)

	old := calls.CallState{CallID: "old", StartTime: t0.Add(-time.Hour), Status: calls.StatusCompleted}
	require.NoError(t, f.archive.SaveCall(context.Background(), old, t0))

	rr := f.do(http.MethodGet, "/api/active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var active []calls.CallState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].CallID)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/active/live", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/active/ghost", "").Code)

	rr = f.do(http.MethodGet, "/api/history?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var hist []calls.CallState
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, "done", hist[0].CallID)
	assert.Equal(t, "old", hist[1].CallID)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/history?limit=0", "").Code)
}

func TestProviderPassthrough(t *testing.T) {
	f := setupTest(t)

	rr := f.do(http.MethodGet, "/api/calls", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"data":[{"id":"c1"}]}`, rr.Body.String())
	assert.Equal(t, 25, f.calls.lastOpts.Limit)
	assert.True(t, f.calls.lastOpts.ExpandTranscript)

	rr = f.do(http.MethodGet, "/api/calls?limit=100&agent_id=a2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "a2", f.calls.lastOpts.AgentID)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/calls?limit=101", "").Code)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/calls/c9", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/calls/missing", "").Code)
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodGet, "/api/calls/broken", "").Code)

	rr = f.do(http.MethodGet, "/api/calls/c9/audio", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "audio/wav", rr.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF-c9", rr.Body.String())
}

func TestProviderNotConfigured(t *testing.T) {
	f := setupTest(t)
	f.calls.configured = false
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/calls", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/api/calls/c1/audio", "").Code)
}

func TestHealthAndStatus(t *testing.T) {
	f := setupTest(t)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodGet, "/ops/health", "").Code)

	rr := f.do(http.MethodGet, "/ops/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["active_calls"])
	assert.EqualValues(t, 0, body["viewers"])
	assert.EqualValues(t, 0, body["archived_calls"])

	t0 := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	c := calls.CallState{CallID: "old", StartTime: t0, Status: calls.StatusCompleted}
	require.NoError(t, f.archive.SaveCall(context.Background(), c, t0))
	rr = f.do(http.MethodGet, "/ops/status", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["archived_calls"])
}

func readMessage(t *testing.T, ws *websocket.Conn) hub.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m hub.Message
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestViewerReceivesSnapshotAndLiveUpdates(t *testing.T) {
	f := setupTest(t)
	t0 := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	_, err := f.reg.Start("existing", "555-0000", "555-2222", t0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bridge.New(f.reg, f.hub, nil, nil)
	go func() { _ = b.Run(ctx, f.bus.Events()) }()

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	first := readMessage(t, ws)
	assert.Equal(t, hub.TypeCallUpdate, first.Type)
	assert.Equal(t, "existing", first.Call.CallID)
	snap := readMessage(t, ws)
	assert.Equal(t, hub.TypeDispositionSnapshot, snap.Type)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	post := func(body string) {
		resp, err := http.Post(srv.URL+"/api/events", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	post(`{"kind":"call_started","call_id":"c1","from_number":"555-1111","to_number":"555-2222"}`)
	post(`{"kind":"transcription_received","call_id":"c1","content":"Hi"}`)
	post(`{"kind":"agent_response","call_id":"c1","content":"Hello"}`)
	post(`{"kind":"call_ended","call_id":"c1"}`)

	m := readMessage(t, ws)
	assert.Equal(t, hub.TypeCallUpdate, m.Type)
	assert.Equal(t, calls.StatusInProgress, m.Call.Status)
	m = readMessage(t, ws)
	assert.Len(t, m.Call.Transcript, 1)
	m = readMessage(t, ws)
	assert.Len(t, m.Call.Transcript, 2)
	m = readMessage(t, ws)
	assert.Equal(t, hub.TypeCallEnded, m.Type)
	assert.Equal(t, "c1", m.CallID)
	assert.Equal(t, calls.StatusCompleted, m.Call.Status)

	resp, err := http.Post(srv.URL+"/api/calls/c1/accept", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	m = readMessage(t, ws)
	assert.Equal(t, hub.TypeDispositionUpdate, m.Type)
	assert.Equal(t, leads.Accepted, m.Disposition)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond,
		"closed viewer must be unsubscribed")
}

// gatedLeads holds GetAll until release is closed.
type gatedLeads struct {
	*leads.Store
	entered chan struct{}
	once    sync.Once
	release chan struct{}
}

func (g *gatedLeads) GetAll() (leads.Ledger, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Store.GetAll()
}

func TestSlowLedgerReadDoesNotBlockPublish(t *testing.T) {
	f := setupTest(t)
	gate := &gatedLeads{Store: f.leads, entered: make(chan struct{}), release: make(chan struct{})}
	router := NewRouter(Deps{
		Registry:     f.reg,
		Hub:          f.hub,
		Bus:          f.bus,
		Leads:        gate,
		PingInterval: time.Second,
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	dialed := make(chan *websocket.Conn, 1)
	go func() {
		ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
		if err != nil {
			close(dialed)
			return
		}
		dialed <- ws
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("viewer never read the ledger")
	}

	published := make(chan struct{})
	go func() {
		f.hub.Publish(hub.DispositionUpdate("c1", leads.Accepted))
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a viewer's ledger read")
	}

	close(gate.release)
	ws, ok := <-dialed
	require.True(t, ok, "dial failed")
	defer ws.Close()
	m := readMessage(t, ws)
	assert.Equal(t, hub.TypeDispositionSnapshot, m.Type)
}
