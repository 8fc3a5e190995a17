package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"evdevsync/evdev"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// External tools inject synthetic input events through a Unix domain socket.
// Injected events go through the same path as events read from devices.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"device": "/dev/input/event3", "type": 1, "code": 30, "value": 1}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // error message if status == "error"
}

// parseIPCEvent decodes one request line.
func parseIPCEvent(line []byte) (inputMsg, error) {
	var target struct {
		Device string `json:"device"`
	}
	if err := json.Unmarshal(line, &target); err != nil {
		return inputMsg{}, fmt.Errorf("%w: %v", evdev.ErrMalformedWireData, err)
	}
	if target.Device == "" {
		return inputMsg{}, fmt.Errorf("%w: missing %q", evdev.ErrMalformedWireData, "device")
	}

	var ev evdev.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return inputMsg{}, err
	}
	if ev.Type < 0 || ev.Type > evdev.EV_MAX || ev.Code < 0 {
		return inputMsg{}, fmt.Errorf("%w: type %d code %d out of range", evdev.ErrMalformedWireData, ev.Type, ev.Code)
	}
	return inputMsg{Device: target.Device, Event: ev}, nil
}

// runIPCServer serves the socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, in chan<- inputMsg, logger *slog.Logger) error {
	// Remove a stale socket from a previous run.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)
	return serveIPC(ctx, listener, in, logger)
}

func serveIPC(ctx context.Context, listener net.Listener, in chan<- inputMsg, logger *slog.Logger) error {
	defer listener.Close()

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, in, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(conn net.Conn, in chan<- inputMsg, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	reply := func(resp IPCResponse) {
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		msg, err := parseIPCEvent(line)
		if err != nil {
			reply(IPCResponse{Status: "error", Error: fmt.Sprintf("parse event: %v", err)})
			continue
		}

		select {
		case in <- msg:
			reply(IPCResponse{Status: "ok"})
		default:
			reply(IPCResponse{Status: "error", Error: "event queue full"})
		}
	}

	logger.Debug("IPC connection closed")
}
