//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"evdevsync/evdev"
)

// Records read per device per wakeup. The kernel only returns whole records.
const epollReadRecords = 64

// readInputEventsEpoll reads from all devices in one goroutine.
//
// Instead of one blocking goroutine (and possibly one OS thread) per device,
// the kernel wakes us only when a device has data. A device that hangs up is
// reported to the daemon and dropped from the set; the loop returns when no
// devices remain or ctx is canceled.
func readInputEventsEpoll(ctx context.Context, files []*os.File, out chan<- inputMsg, threshold int, logger *slog.Logger) error {
	if len(files) == 0 {
		return errors.New("no input devices provided")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	type source struct {
		f      *os.File
		health *inputHealth
	}
	sources := make(map[int32]*source, len(files))

	for _, f := range files {
		fd := int(f.Fd())
		event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
		sources[int32(fd)] = &source{f: f, health: newInputHealth(f.Name(), threshold, logger)}
	}

	remove := func(fd int32, cause error) {
		src := sources[fd]
		_ = unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
		delete(sources, fd)
		send(ctx, out, inputMsg{Device: src.f.Name(), Err: cause})
	}

	epollEvents := make([]unix.EpollEvent, 32)
	buf := make([]byte, epollReadRecords*evdev.RecordSize)

	for len(sources) > 0 {
		// Bounded wait so cancellation is noticed without an extra wakeup fd.
		n, err := unix.EpollWait(epfd, epollEvents, 250)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := epollEvents[i].Fd
			src, ok := sources[fd]
			if !ok {
				continue
			}

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				remove(fd, fmt.Errorf("device error/hangup: %s", src.f.Name()))
				continue
			}

			nr, err := unix.Read(int(fd), buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
					continue
				}
				remove(fd, fmt.Errorf("read %s: %w", src.f.Name(), err))
				continue
			}
			if nr == 0 {
				remove(fd, fmt.Errorf("read %s: device closed", src.f.Name()))
				continue
			}

			whole := nr - nr%evdev.RecordSize
			for off := 0; off < whole; off += evdev.RecordSize {
				ev, ok := src.health.decodeRecord(buf[off : off+evdev.RecordSize])
				if !ok {
					continue
				}
				if !send(ctx, out, inputMsg{Device: src.f.Name(), Event: ev}) {
					return nil
				}
			}
			if nr != whole {
				src.health.malformed(fmt.Errorf("%w: %d trailing bytes", evdev.ErrMalformedRecord, nr-whole))
			}
		}
	}

	logger.Info("epoll reader stopping (no devices left)")
	return nil
}
