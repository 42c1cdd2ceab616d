package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jsleemaster/ranch-agent/internal/event"
	"github.com/jsleemaster/ranch-agent/internal/monitor"
	"github.com/jsleemaster/ranch-agent/internal/snapshot"
)

type fakeBackend struct {
	mu       sync.Mutex
	world    snapshot.World
	feed     []snapshot.FeedEntry
	filter   snapshot.FilterState
	patches  []snapshot.FilterPatch
	selected []string
	recent   []event.Event
	sources  []monitor.SourceStatus
}

func (f *fakeBackend) WorldInit() WorldInitMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return NewWorldInit(f.world, nil, nil)
}

func (f *fakeBackend) Feed() []snapshot.FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snapshot.FeedEntry(nil), f.feed...)
}

func (f *fakeBackend) FilterState() snapshot.FilterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter
}

func (f *fakeBackend) Snapshot() snapshot.World {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.world
}

func (f *fakeBackend) SetFilter(patch snapshot.FilterPatch) snapshot.FilterState {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	if patch.AgentID != nil {
		if *patch.AgentID == "" {
			f.filter.SelectedAgentID = nil
		} else {
			v := *patch.AgentID
			f.filter.SelectedAgentID = &v
		}
	}
	return f.filter
}

func (f *fakeBackend) record(s string) {
	f.mu.Lock()
	f.selected = append(f.selected, s)
	f.mu.Unlock()
}

func (f *fakeBackend) SelectAgent(id string)    { f.record("agent:" + id) }
func (f *fakeBackend) SelectSkill(skill string) { f.record("skill:" + skill) }
func (f *fakeBackend) SelectZone(id string)     { f.record("zone:" + id) }

func (f *fakeBackend) RecentEvents() []event.Event {
	return f.recent
}

func (f *fakeBackend) Sources() []monitor.SourceStatus {
	return f.sources
}

func (f *fakeBackend) selections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.selected...)
}

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection. The caller must close both the server and the
// returned connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	// Only the server-side conn is needed for AddClient.
	_ = clientConn.Close()

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

// startTestServer serves the full route set for backend and returns a
// connected client.
func startTestServer(t *testing.T, backend *fakeBackend, opts Options) (*Broadcaster, *websocket.Conn) {
	t.Helper()
	if opts.SnapshotInterval == 0 {
		opts.SnapshotInterval = time.Hour
	}
	b := NewBroadcaster(backend, opts)
	t.Cleanup(b.Stop)

	mux := http.NewServeMux()
	NewServer(backend, b, nil, "").SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return b, conn
}

type envelope struct {
	Type     MessageType       `json:"type"`
	Messages []json.RawMessage `json:"messages"`
	AgentID  *string           `json:"selectedAgentId"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func batchTypes(t *testing.T, env envelope) []MessageType {
	t.Helper()
	var types []MessageType
	for _, raw := range env.Messages {
		var m envelope
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		types = append(types, m.Type)
	}
	return types
}

func assertTypes(t *testing.T, got []MessageType, want ...MessageType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAddClientReplaysState(t *testing.T) {
	agent := "a1"
	backend := &fakeBackend{
		world: snapshot.World{Agents: []snapshot.AgentSnapshot{{AgentID: "a1"}}},
		feed: []snapshot.FeedEntry{
			{ID: "a1:1:1", AgentID: "a1", Type: "tool_start"},
			{ID: "a1:2:2", AgentID: "a1", Type: "tool_done"},
		},
		filter: snapshot.FilterState{SelectedAgentID: &agent},
	}
	_, conn := startTestServer(t, backend, Options{FlushInterval: time.Hour})

	if env := readEnvelope(t, conn); env.Type != MsgWorldInit {
		t.Fatalf("first message = %q, want world_init", env.Type)
	}
	feed := readEnvelope(t, conn)
	if feed.Type != MsgBatch {
		t.Fatalf("second message = %q, want batch", feed.Type)
	}
	assertTypes(t, batchTypes(t, feed), MsgFeedAppend, MsgFeedAppend)

	filter := readEnvelope(t, conn)
	if filter.Type != MsgFilterState || filter.AgentID == nil || *filter.AgentID != "a1" {
		t.Errorf("filter message = %+v, want filter_state for a1", filter)
	}
}

func TestQueueUpdateFlushesAsBatch(t *testing.T) {
	b, conn := startTestServer(t, &fakeBackend{}, Options{FlushInterval: 10 * time.Millisecond})
	readEnvelope(t, conn) // world_init
	readEnvelope(t, conn) // filter_state

	b.QueueUpdate(snapshot.Update{
		Agent: snapshot.AgentSnapshot{AgentID: "a1"},
		Skill: &snapshot.SkillMetricSnapshot{Skill: snapshot.SkillRead, UsageCount: 1},
		Zones: []snapshot.ZoneSnapshot{{ZoneID: "src", Occupants: []string{"a1"}}},
		Feed:  snapshot.FeedEntry{ID: "a1:1:1", AgentID: "a1"},
	})

	env := readEnvelope(t, conn)
	if env.Type != MsgBatch {
		t.Fatalf("message = %q, want batch", env.Type)
	}
	assertTypes(t, batchTypes(t, env), MsgAgentUpsert, MsgSkillMetricUpsert, MsgZoneUpsert, MsgFeedAppend)

	// A lone message goes out unwrapped.
	b.QueueFilterState(snapshot.FilterState{})
	if env := readEnvelope(t, conn); env.Type != MsgFilterState {
		t.Errorf("message = %q, want filter_state", env.Type)
	}
}

func TestFlushSplitsLargeQueues(t *testing.T) {
	b, conn := startTestServer(t, &fakeBackend{}, Options{FlushInterval: 10 * time.Millisecond})
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	msgs := make([]any, maxBatch+6)
	for i := range msgs {
		msgs[i] = NewFilterState(snapshot.FilterState{})
	}
	b.Enqueue(msgs...)

	first := readEnvelope(t, conn)
	if len(first.Messages) != maxBatch {
		t.Errorf("first batch has %d messages, want %d", len(first.Messages), maxBatch)
	}
	second := readEnvelope(t, conn)
	if len(second.Messages) != 6 {
		t.Errorf("second batch has %d messages, want 6", len(second.Messages))
	}
}

func TestEnqueueDropsOldest(t *testing.T) {
	b := NewBroadcaster(nil, Options{FlushInterval: time.Hour, SnapshotInterval: time.Hour, QueueLimit: 3})
	defer b.Stop()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.QueueFilterState(snapshot.FilterState{SelectedAgentID: &id})
	}

	if got := b.QueueLen(); got != 3 {
		t.Fatalf("QueueLen() = %d, want 3", got)
	}
	b.flushMu.Lock()
	oldest := string(b.queue[0])
	b.flushMu.Unlock()
	if !strings.Contains(oldest, `"selectedAgentId":"c"`) {
		t.Errorf("oldest queued = %s, want agent c", oldest)
	}
}

func TestClientSelectMessages(t *testing.T) {
	backend := &fakeBackend{}
	_, conn := startTestServer(t, backend, Options{FlushInterval: time.Hour})
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	for _, msg := range []string{
		`{"type":"select_agent","agentId":"a1"}`,
		`{"type":"select_skill","skill":"bash"}`,
		`{"type":"select_zone","zoneId":null}`,
		`not json`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	want := []string{"agent:a1", "skill:bash", "zone:"}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(backend.selections()) == len(want) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := backend.selections()
	if len(got) != len(want) {
		t.Fatalf("selections = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("selections[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWebviewReadyReplays(t *testing.T) {
	_, conn := startTestServer(t, &fakeBackend{}, Options{FlushInterval: time.Hour})
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"webview_ready"}`)); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, conn); env.Type != MsgWorldInit {
		t.Errorf("message = %q, want world_init", env.Type)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(nil, Options{FlushInterval: time.Hour, SnapshotInterval: time.Hour, MaxConnections: maxConns})
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		srv, conn := dialTestWS(t)
		defer srv.Close()

		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}

	srv, conn := dialTestWS(t)
	defer srv.Close()
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	conn.Close()

	b.RemoveClient(clients[0])

	srv2, conn2 := dialTestWS(t)
	defer srv2.Close()
	if _, err := b.AddClient(conn2); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a failed write
// removes the client from the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	b := NewBroadcaster(nil, Options{FlushInterval: time.Hour, SnapshotInterval: time.Hour})
	defer b.Stop()

	c := &client{
		id:   "test",
		conn: serverConn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"filter_state"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestStopDisconnectsClients(t *testing.T) {
	srv, conn := dialTestWS(t)
	defer srv.Close()

	b := NewBroadcaster(nil, Options{FlushInterval: time.Hour, SnapshotInterval: time.Hour})
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}
	b.QueueFilterState(snapshot.FilterState{})

	b.Stop()
	b.Stop()

	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount() after Stop = %d, want 0", got)
	}
	if got := b.QueueLen(); got != 0 {
		t.Errorf("QueueLen() after Stop = %d, want 0", got)
	}
}
