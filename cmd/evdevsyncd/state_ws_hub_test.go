package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"evdevsync/axisstate"
)

// Hub tests construct Clients with a nil websocket.Conn; the hub guards
// against nil on eviction and these paths never write to the connection.

func newTestHub(t *testing.T, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(discardLogger(), HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     discardLogger(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func runHub(t *testing.T, hub *Hub) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for hub to stop")
		}
	}
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := runHub(t, hub)
	defer stop()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"state_delta","data":{"device":"d","abs":{"0":1}}}`)

	// BroadcastBytes is non-blocking and may drop; write to the queue directly.
	hub.broadcast <- hubMsg{data: msg}

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	hub := newTestHub(t, 1, 8)
	stop := runHub(t, hub)
	defer stop()

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Pre-fill slow client buffer to simulate it being stuck.
	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"device_reset","data":{"device":"d","reason":"disconnected"}}`)
	hub.broadcast <- hubMsg{data: msg}

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}

	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")

	if hub.Len() != 1 {
		t.Fatalf("expected 1 remaining client, got %d", hub.Len())
	}
}

func TestHub_ClientAwaitingInitSkipsEarlierBroadcasts(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := runHub(t, hub)
	defer stop()

	c := newTestClient(hub, "new", 4)
	c.awaitingInit = true
	registerClient(t, hub, c)

	// Taken before the snapshot: already part of state_init.
	hub.broadcast <- hubMsg{data: []byte(`"old delta"`)}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := hub.SendInit(ctx, c, []byte(`"init"`)); err != nil {
		t.Fatalf("SendInit: %v", err)
	}
	hub.broadcast <- hubMsg{data: []byte(`"new delta"`)}

	for _, want := range []string{`"init"`, `"new delta"`} {
		select {
		case got := <-c.send:
			if string(got) != want {
				t.Fatalf("got %s, want %s", got, want)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestHub_InitForDepartedClientIsIgnored(t *testing.T) {
	hub := newTestHub(t, 4, 8)
	stop := runHub(t, hub)
	defer stop()

	c := newTestClient(hub, "gone", 4)
	c.awaitingInit = true
	registerClient(t, hub, c)
	hub.unregister <- c
	waitUntil(t, 500*time.Millisecond, func() bool { return hub.Len() == 0 }, "client not removed")

	if err := hub.SendInit(context.Background(), c, []byte(`"init"`)); err != nil {
		t.Fatalf("SendInit: %v", err)
	}
	// Processed in order with this broadcast; the removed client stays removed.
	hub.broadcast <- hubMsg{data: []byte(`"x"`)}
	waitUntil(t, 500*time.Millisecond, func() bool { return len(hub.broadcast) == 0 }, "hub did not drain")
	if hub.Len() != 0 {
		t.Fatalf("expected no clients, got %d", hub.Len())
	}
}

func TestConvertBroadcast(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	msg, err := convertBroadcast(BroadcastDelta{
		Device: "/dev/input/event3",
		Delta:  axisstate.Snapshot{Abs: axisstate.Wire{"0": 12}, Key: axisstate.Wire{"272": 1}},
		At:     at,
	})
	if err != nil {
		t.Fatalf("convertBroadcast: %v", err)
	}
	want := `{"type":"state_delta","ts":"2024-05-01T12:00:00Z","data":{"device":"/dev/input/event3","abs":{"0":12},"key":{"272":1}}}`
	if string(msg) != want {
		t.Fatalf("got  %s\nwant %s", msg, want)
	}

	msg, err = convertBroadcast(BroadcastReset{Device: "d", Reason: resetSynDropped, At: at})
	if err != nil {
		t.Fatalf("convertBroadcast: %v", err)
	}
	if !strings.Contains(string(msg), `"type":"device_reset"`) || !strings.Contains(string(msg), `"reason":"syn_dropped"`) {
		t.Fatalf("unexpected reset frame %s", msg)
	}
}

// fakeState answers Subscribe the way the daemon loop does: the state_init
// broadcast first, then whatever the loop emitted right after the snapshot.
type fakeState struct {
	snaps     map[string]axisstate.Snapshot
	out       chan<- StateBroadcast
	afterInit []StateBroadcast
}

func (f fakeState) RequestSnapshot(ctx context.Context) (map[string]axisstate.Snapshot, error) {
	return f.snaps, nil
}

func (f fakeState) Subscribe(ctx context.Context, c *Client) error {
	f.out <- BroadcastInit{Subscriber: c, Devices: f.snaps}
	for _, b := range f.afterInit {
		f.out <- b
	}
	return nil
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialState(t *testing.T, state fakeState, broadcasts chan StateBroadcast) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(discardLogger(), state, ServerOptions{})
	go srv.Hub().Run(ctx)
	go RunBroadcaster(ctx, srv.Hub(), broadcasts, discardLogger())

	mux := http.NewServeMux()
	srv.Register(mux, defaultWSPath, defaultStatePath)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+defaultWSPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestServer_StateInitThenDelta(t *testing.T) {
	broadcasts := make(chan StateBroadcast, 4)
	state := fakeState{
		snaps: map[string]axisstate.Snapshot{"/dev/input/event3": {Abs: axisstate.Wire{"0": 100}}},
		out:   broadcasts,
	}
	conn := dialState(t, state, broadcasts)

	f := readFrame(t, conn)
	var initData wsStateInitData
	if err := json.Unmarshal(f.Data, &initData); err != nil {
		t.Fatalf("decode state_init: %v", err)
	}
	if f.Type != msgStateInit || initData.Devices["/dev/input/event3"].Abs["0"] != 100 {
		t.Fatalf("unexpected state_init %s %s", f.Type, f.Data)
	}

	broadcasts <- BroadcastDelta{Device: "/dev/input/event3", Delta: axisstate.Snapshot{Abs: axisstate.Wire{"0": 101}}}

	f = readFrame(t, conn)
	var delta wsStateDeltaData
	if err := json.Unmarshal(f.Data, &delta); err != nil {
		t.Fatalf("decode state_delta: %v", err)
	}
	if f.Type != msgStateDelta || delta.Device != "/dev/input/event3" || delta.Abs["0"] != 101 {
		t.Fatalf("unexpected state_delta %s %s", f.Type, f.Data)
	}
}

func TestServer_DeltaRightAfterSnapshotFollowsStateInit(t *testing.T) {
	broadcasts := make(chan StateBroadcast, 4)
	state := fakeState{
		snaps: map[string]axisstate.Snapshot{"pad": {Abs: axisstate.Wire{"0": 100}}},
		out:   broadcasts,
		afterInit: []StateBroadcast{
			BroadcastDelta{Device: "pad", Delta: axisstate.Snapshot{Abs: axisstate.Wire{"0": 101}}},
		},
	}
	conn := dialState(t, state, broadcasts)

	var order []string
	for i := 0; i < 2; i++ {
		order = append(order, readFrame(t, conn).Type)
	}
	if order[0] != msgStateInit || order[1] != msgStateDelta {
		t.Fatalf("frame order %v, want [%s %s]", order, msgStateInit, msgStateDelta)
	}
}

func TestServer_StateEndpoint(t *testing.T) {
	state := fakeState{snaps: map[string]axisstate.Snapshot{
		"kbd": {Key: axisstate.Wire{"30": 1}},
	}}
	srv := NewServer(discardLogger(), state, ServerOptions{})
	mux := http.NewServeMux()
	srv.Register(mux, defaultWSPath, defaultStatePath)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, defaultStatePath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body wsStateInitData
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Devices["kbd"].Key["30"] != 1 {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, defaultStatePath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
