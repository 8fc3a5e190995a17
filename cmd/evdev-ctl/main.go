package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"evdevsync/evdev"
)

// ============================================================================
// evdev-ctl - Command-line tool for evdevsyncd
// ============================================================================
// Usage:
//   evdev-ctl send /dev/input/event3 EV_KEY KEY_A 1
//   evdev-ctl tap virtual BTN_LEFT
//   evdev-ctl decode /dev/input/event3
//   evdev-ctl encode < events.jsonl > events.bin
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/evdevsync.sock)
// ============================================================================

// ipcRequest is the line-delimited JSON request understood by the daemon.
type ipcRequest struct {
	Device string `json:"device"`
	Type   int    `json:"type"`
	Code   int    `json:"code"`
	Value  int32  `json:"value"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func main() {
	socketPath := "/tmp/evdevsync.sock"

	args := os.Args[1:]
	if len(args) >= 1 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if err := run(socketPath, args, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	switch args[0] {
	case "send":
		if len(args) != 5 {
			return errors.New("usage: send <device> <type> <code> <value>")
		}
		ev, err := parseEvent(args[2], args[3], args[4])
		if err != nil {
			return err
		}
		if err := sendEvents(socketPath, args[1], ev, syncReport()); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil

	case "tap":
		if len(args) != 3 {
			return errors.New("usage: tap <device> <key>")
		}
		code, err := evdev.ParseCode(evdev.EV_KEY, args[2])
		if err != nil {
			return err
		}
		press := evdev.NewKeyEvent(code, 1).Event()
		release := evdev.NewKeyEvent(code, 0).Event()
		if err := sendEvents(socketPath, args[1], press, syncReport(), release, syncReport()); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil

	case "decode":
		rest := args[1:]
		keysOnly := len(rest) > 0 && rest[0] == "-keys"
		if keysOnly {
			rest = rest[1:]
		}
		in := stdin
		if len(rest) > 0 {
			f, err := os.Open(rest[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return decodeStream(in, stdout, stderr, keysOnly)

	case "encode":
		return encodeStream(stdin, stdout)

	case "help", "-h", "--help":
		printUsage()
		return nil

	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func syncReport() evdev.Event {
	return evdev.Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}
}

// parseEvent accepts names ("EV_KEY", "KEY_A") or numbers for type and code.
func parseEvent(typ, code, value string) (evdev.Event, error) {
	t, err := evdev.ParseType(typ)
	if err != nil {
		return evdev.Event{}, err
	}
	c, err := evdev.ParseCode(t, code)
	if err != nil {
		return evdev.Event{}, err
	}
	v, err := strconv.ParseInt(value, 0, 32)
	if err != nil {
		return evdev.Event{}, fmt.Errorf("invalid value %q: %w", value, err)
	}
	return evdev.Event{Type: t, Code: c, Value: int32(v)}, nil
}

func sendEvents(socketPath, device string, events ...evdev.Event) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	return exchange(conn, device, events)
}

// exchange writes one request per event and waits for each reply.
func exchange(conn io.ReadWriter, device string, events []evdev.Event) error {
	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	for _, ev := range events {
		if err := enc.Encode(ipcRequest{Device: device, Type: ev.Type, Code: ev.Code, Value: ev.Value}); err != nil {
			return fmt.Errorf("send event: %w", err)
		}

		var response IPCResponse
		if err := dec.Decode(&response); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if response.Status == "error" {
			return fmt.Errorf("daemon error: %s", response.Error)
		}
	}
	return nil
}

// decodeStream prints every raw record in r as a JSON line. Malformed records
// are reported on errw and skipped.
// With keysOnly set, only EV_KEY records are printed, as {code, value}.
func decodeStream(r io.Reader, w, errw io.Writer, keysOnly bool) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	enc := json.NewEncoder(bw)
	buf := make([]byte, evdev.RecordSize)

	for n := 0; ; n++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				fmt.Fprintf(errw, "record %d: %v: truncated\n", n, evdev.ErrMalformedRecord)
				return nil
			}
			return err
		}

		ev, err := evdev.Decode(buf)
		if err != nil {
			fmt.Fprintf(errw, "record %d: %v\n", n, err)
			continue
		}
		switch {
		case !keysOnly:
			err = enc.Encode(ev)
		case ev.Type == evdev.EV_KEY:
			err = enc.Encode(evdev.KeyEventFrom(ev))
		}
		if err != nil {
			return err
		}
		// Flush per SYN_REPORT so piping from a live device shows whole frames.
		if ev.Type == evdev.EV_SYN && ev.Code == evdev.SYN_REPORT {
			if err := bw.Flush(); err != nil {
				return err
			}
		}
	}
}

// encodeStream turns JSON lines back into raw records.
func encodeStream(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	dec := json.NewDecoder(r)
	for {
		var ev evdev.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if _, err := bw.Write(evdev.Encode(ev)); err != nil {
			return err
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `evdev-ctl - Inject and inspect Linux input events

Usage:
  evdev-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/evdevsync.sock)

Commands:
  send <device> <type> <code> <value>   Inject one event followed by SYN_REPORT
  tap <device> <key>                    Inject a key press and release
  decode [-keys] [file]                 Print raw records (stdin by default) as JSON lines;
                                        -keys prints only key events as {code, value}
  encode                                Turn JSON lines on stdin into raw records
  help, -h, --help                      Show this help message

Type and code accept names (EV_ABS, ABS_X, BTN_LEFT) or numbers.

Examples:
  evdev-ctl send virtual EV_ABS ABS_X 512
  evdev-ctl tap /dev/input/event3 KEY_A
  evdev-ctl decode /dev/input/event3
`)
}
