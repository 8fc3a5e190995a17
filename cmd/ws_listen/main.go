package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"evdevsync/axisstate"
	"evdevsync/evdev"
)

// ws_listen connects to the evdevsyncd state WebSocket, rebuilds the state of
// every device locally and prints every axis that changes.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type stateInit struct {
	Devices map[string]axisstate.Snapshot `json:"devices"`
}

type stateDelta struct {
	Device string `json:"device"`
	axisstate.Snapshot
}

type deviceReset struct {
	Device string `json:"device"`
	Reason string `json:"reason"`
}

// mirror is the receiving side of the sync: one DeviceState per remote device.
type mirror struct {
	cfg     axisstate.DeviceConfig
	out     io.Writer
	devices map[string]*axisstate.DeviceState
	synced  bool // state_init received
}

func newMirror(cfg axisstate.DeviceConfig, out io.Writer) *mirror {
	return &mirror{cfg: cfg, out: out, devices: make(map[string]*axisstate.DeviceState)}
}

// handle applies one WS frame.
func (m *mirror) handle(message []byte) error {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "state_init":
		var snapshot stateInit
		if err := json.Unmarshal(env.Data, &snapshot); err != nil {
			return fmt.Errorf("decode state_init: %w", err)
		}
		devices := make(map[string]*axisstate.DeviceState, len(snapshot.Devices))
		for name, snap := range snapshot.Devices {
			st, err := axisstate.DeviceStateFromSnapshot(m.cfg, snap)
			if err != nil {
				return fmt.Errorf("state_init %s: %w", name, err)
			}
			devices[name] = st
		}
		m.devices = devices
		m.synced = true

		for _, name := range sortedKeys(snapshot.Devices) {
			fmt.Fprintf(m.out, "[INIT] %s\n", name)
			m.print(name, snapshot.Devices[name])
		}

	case "state_delta":
		if !m.synced {
			// Queued before our snapshot; state_init supersedes it.
			return nil
		}
		var delta stateDelta
		if err := json.Unmarshal(env.Data, &delta); err != nil {
			return fmt.Errorf("decode state_delta: %w", err)
		}
		st, ok := m.devices[delta.Device]
		if !ok {
			st = axisstate.NewDeviceState(m.cfg)
			m.devices[delta.Device] = st
		}
		if _, err := st.Apply(delta.Snapshot); err != nil {
			return fmt.Errorf("state_delta %s: %w", delta.Device, err)
		}
		// Relative motion is reported once, not kept.
		st.FlushRelative()
		st.ClearDirty()
		m.print(delta.Device, delta.Snapshot)

	case "device_reset":
		var reset deviceReset
		if err := json.Unmarshal(env.Data, &reset); err != nil {
			return fmt.Errorf("decode device_reset: %w", err)
		}
		if st, ok := m.devices[reset.Device]; ok {
			st.Zero()
		}
		fmt.Fprintf(m.out, "[RESET] %s (%s)\n", reset.Device, reset.Reason)

	default:
		fmt.Fprintf(m.out, "[TEXT] %s\n", message)
	}
	return nil
}

func (m *mirror) print(device string, s axisstate.Snapshot) {
	for _, part := range []struct {
		label string
		typ   int
		w     axisstate.Wire
	}{{"REL", evdev.EV_REL, s.Rel}, {"ABS", evdev.EV_ABS, s.Abs}, {"KEY", evdev.EV_KEY, s.Key}} {
		for _, key := range sortedCodes(part.w) {
			code, _ := strconv.Atoi(key)
			fmt.Fprintf(m.out, "[%s] %s %s = %d\n", part.label, device, evdev.CodeName(part.typ, code), part.w[key])
		}
	}
}

func sortedKeys(m map[string]axisstate.Snapshot) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortedCodes orders wire keys numerically.
func sortedCodes(w axisstate.Wire) []string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}

func main() {
	var (
		wsURL       = flag.String("url", "ws://127.0.0.1:3002/ws", "evdevsyncd state websocket URL")
		granularity = flag.String("granularity", "per_axis", "Dirty tracking of the local mirror: per_axis|whole")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	cfg := axisstate.DefaultDeviceConfig()
	if cfg.Granularity, err = axisstate.ParseGranularity(*granularity); err != nil {
		log.Fatalf("invalid granularity: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The daemon pings every 20s; reset the read deadline on every ping.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	m := newMirror(cfg, os.Stdout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch messageType {
			case websocket.TextMessage:
				if err := m.handle(message); err != nil {
					log.Printf("bad message: %v", err)
				}
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}
