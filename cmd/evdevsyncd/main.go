package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func printVersion() {
	fmt.Printf("evdevsyncd v%s\n", version)
	fmt.Println("Linux input device state daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  evdevsyncd [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads raw events from Linux input devices, keeps the live state of every")
	fmt.Println("  key, relative and absolute axis, and publishes it over a WebSocket as an")
	fmt.Println("  initial snapshot followed by incremental deltas.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file; flags override values from the file")
	fmt.Println()
	fmt.Println("  -devices string")
	fmt.Printf("        Comma-separated input event devices (default %q)\n", defaultDevice)
	fmt.Println()
	fmt.Println("  -reader string")
	fmt.Println("        Input reader: goroutine|epoll (default \"goroutine\")")
	fmt.Println()
	fmt.Println("  -malformed-threshold int")
	fmt.Printf("        Consecutive malformed records before a device is reported (default %d)\n", defaultMalformedThreshold)
	fmt.Println()
	fmt.Println("  -update-hz int")
	fmt.Printf("        Delta broadcast frequency in Hz (default %d)\n", defaultUpdateHz)
	fmt.Println()
	fmt.Println("  -granularity string")
	fmt.Println("        Dirty tracking: per_axis|whole (default \"per_axis\")")
	fmt.Println()
	fmt.Println("  -listen string")
	fmt.Printf("        HTTP listen address for the state server (default %q)\n", defaultListen)
	fmt.Println()
	fmt.Println("  -ws-path string")
	fmt.Printf("        WebSocket path (default %q)\n", defaultWSPath)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -log-unhandled")
	fmt.Println("        Log events no handler is registered for (debug level)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Two devices, epoll reader")
	fmt.Println("  evdevsyncd -devices /dev/input/event3,/dev/input/event5 -reader epoll")
	fmt.Println()
	fmt.Println("  # Watch the state from another shell")
	fmt.Println("  ws_listen -url ws://127.0.0.1:3002/ws")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the devices (run as root or add user to 'input' group)")
	fmt.Println()
}

// parseFlags parses the command line into a config path and overrides.
// Only flags that were set explicitly end up in the overrides.
func parseFlags(fs *flag.FlagSet, args []string) (configPath string, o FlagOverrides, showVersion bool, err error) {
	var (
		cfgPath      = fs.String("config", "", "YAML config file")
		devices      = fs.String("devices", defaultDevice, "Comma-separated input event devices")
		reader       = fs.String("reader", readerGoroutine, "Input reader: goroutine|epoll")
		threshold    = fs.Int("malformed-threshold", defaultMalformedThreshold, "Consecutive malformed records before a device is reported")
		updateHz     = fs.Int("update-hz", defaultUpdateHz, "Delta broadcast frequency in Hz")
		granularity  = fs.String("granularity", "per_axis", "Dirty tracking: per_axis|whole")
		listen       = fs.String("listen", defaultListen, "HTTP listen address")
		wsPath       = fs.String("ws-path", defaultWSPath, "WebSocket path")
		ipcSocket    = fs.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		logUnhandled = fs.Bool("log-unhandled", false, "Log events without a handler")
		logLevel     = fs.String("log-level", "info", "Log level: error, warn, info, debug")
		versionFlag  = fs.Bool("version", false, "Print version and exit")
	)
	if err := fs.Parse(args); err != nil {
		return "", FlagOverrides{}, false, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "devices":
			o.Devices = devices
		case "reader":
			o.Reader = reader
		case "malformed-threshold":
			o.MalformedThreshold = threshold
		case "update-hz":
			o.UpdateHz = updateHz
		case "granularity":
			o.Granularity = granularity
		case "listen":
			o.Listen = listen
		case "ws-path":
			o.WSPath = wsPath
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "log-unhandled":
			o.LogUnhandled = logUnhandled
		case "log-level":
			o.LogLevel = logLevel
		}
	})
	return *cfgPath, o, *versionFlag, nil
}

// loadConfig layers defaults, the optional file and flag overrides, then validates.
func loadConfig(path string, o FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadConfigFile(path); err != nil {
			return Config{}, err
		}
	}
	o.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	fs := flag.NewFlagSet("evdevsyncd", flag.ExitOnError)
	fs.Usage = printUsage

	cfgPath, overrides, showVersion, err := parseFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(cfgPath, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(level, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("evdevsyncd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	files := make([]*os.File, 0, len(cfg.Input.Devices))
	for _, path := range cfg.Input.Devices {
		f, err := os.Open(path)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			logger.Error("failed to open input device", "device", path, "error", err, "tip", "run as root or add user to 'input' group")
			return fmt.Errorf("open %s: %w", path, err)
		}
		files = append(files, f)
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in := make(chan inputMsg, inputQueueSize)
	broadcasts := make(chan StateBroadcast, broadcastQueueSize)

	daemon := NewDaemon(logger, broadcasts, DaemonOptions{
		Devices:      cfg.Input.Devices,
		DeviceConfig: cfg.DeviceConfig(),
		LogUnhandled: cfg.Dispatch.LogUnhandled,
	})

	server := NewServer(logger, daemon, ServerOptions{})
	mux := http.NewServeMux()
	server.Register(mux, cfg.Server.WSPath, cfg.Server.StatePath)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return daemon.Run(ctx, in, cfg.Sync.UpdateHz) })
	g.Go(func() error { server.Hub().Run(ctx); return nil })
	g.Go(func() error { RunBroadcaster(ctx, server.Hub(), broadcasts, logger); return nil })
	g.Go(func() error { return runHTTPServer(ctx, ln, mux, logger) })
	g.Go(func() error { return runIPCServer(ctx, cfg.IPC.SocketPath, in, logger) })

	switch cfg.Input.Reader {
	case readerEpoll:
		g.Go(func() error {
			return readInputEventsEpoll(ctx, files, in, cfg.Input.MalformedThreshold, logger)
		})
	default:
		for _, f := range files {
			health := newInputHealth(f.Name(), cfg.Input.MalformedThreshold, logger)
			g.Go(func() error {
				readInputEvents(ctx, f, f.Name(), in, health)
				return nil
			})
		}
		// Blocking reads only return once the file is closed.
		g.Go(func() error {
			<-ctx.Done()
			for _, f := range files {
				f.Close()
			}
			return nil
		})
	}

	logger.Info("listening",
		"devices", cfg.Input.Devices,
		"reader", cfg.Input.Reader,
		"http", cfg.Server.Listen,
		"ws_path", cfg.Server.WSPath,
		"ipc", cfg.IPC.SocketPath,
		"update_rate_hz", cfg.Sync.UpdateHz,
		"granularity", cfg.Sync.Granularity)

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
