package main

const version = "1.0.0"

// Defaults shared by the config layer and the flag help text.
const (
	defaultDevice             = "/dev/input/event0"
	defaultUpdateHz           = 30
	defaultMalformedThreshold = 8
	defaultListen             = ":3002"
	defaultWSPath             = "/ws"
	defaultStatePath          = "/state"
	defaultSocketPath         = "/tmp/evdevsync.sock"
)

// Input reader strategies.
const (
	readerGoroutine = "goroutine" // one blocking reader per device
	readerEpoll     = "epoll"     // one epoll loop over all devices (linux)
)

// Queue sizes between the readers, the daemon loop and the broadcaster.
const (
	inputQueueSize     = 256
	broadcastQueueSize = 64
)

// Outbound WebSocket message types.
const (
	msgStateInit   = "state_init"
	msgStateDelta  = "state_delta"
	msgDeviceReset = "device_reset"
)
