//go:build !linux

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

func readInputEventsEpoll(ctx context.Context, files []*os.File, out chan<- inputMsg, threshold int, logger *slog.Logger) error {
	return errors.New("epoll reader requires linux")
}
