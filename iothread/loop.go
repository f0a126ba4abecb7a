// Package iothread runs the single-threaded epoll reactor that drives
// one or more engine.Engine completion descriptors (and any other
// notifier a caller registers) without a dedicated goroutine per
// descriptor.
package iothread

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/behrlich/blockaio/internal/logging"
)

// Handler is invoked when its registered descriptor becomes readable.
type Handler func() error

// PollHandler is invoked once per busy-poll iteration, independent of
// descriptor readiness. It reports whether it observed a completion
// (true keeps the loop busy-polling without blocking) or is idle
// (false, falls through to the blocking epoll wait for ready handlers).
type PollHandler func() (bool, error)

// Loop is an epoll-based reactor over a set of level-triggered
// descriptors, plus an optional set of busy-poll handlers consulted
// before every blocking wait. It is not safe for concurrent
// Register/Unregister calls from multiple goroutines; Run is meant to
// own the loop on its own thread.
type Loop struct {
	epfd         int
	handlers     map[int]Handler
	pollHandlers map[int]PollHandler
	logger       *logging.Logger
}

// New creates an empty Loop.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("iothread: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:         fd,
		handlers:     make(map[int]Handler),
		pollHandlers: make(map[int]PollHandler),
		logger:       logging.Default().With("component", "iothread"),
	}, nil
}

// Register adds fd to the epoll set and associates ready with it. poll,
// if non-nil, is consulted every busy-poll iteration regardless of fd's
// readiness; pass nil when the registrant has no poll-mode handler.
func (l *Loop) Register(fd int, ready Handler, poll PollHandler) error {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("iothread: epoll_ctl add fd=%d: %w", fd, err)
	}
	l.handlers[fd] = ready
	if poll != nil {
		l.pollHandlers[fd] = poll
	}
	return nil
}

// Unregister removes fd from the epoll set and drops its ready and poll
// handlers.
func (l *Loop) Unregister(fd int) error {
	delete(l.handlers, fd)
	delete(l.pollHandlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("iothread: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Close releases the epoll descriptor.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

const maxLoopEvents = 64

// Run consults every registered poll handler first; if any reports a
// completion it was observed, the loop goes straight back around
// without blocking (busy-poll mode). Once a round finds no poll
// handler busy, it blocks in epoll_wait and dispatches ready handlers
// for whatever became readable. Runs until ctx is cancelled or a
// handler returns an error.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, maxLoopEvents)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		busy := false
		for fd, poll := range l.pollHandlers {
			done, err := poll()
			if err != nil {
				l.logger.Errorf("iothread: poll handler for fd=%d failed: %v", fd, err)
				return err
			}
			if done {
				busy = true
			}
		}
		if busy {
			continue
		}

		n, err := unix.EpollWait(l.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("iothread: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			handler, ok := l.handlers[fd]
			if !ok {
				continue
			}
			if err := handler(); err != nil {
				l.logger.Errorf("iothread: handler for fd=%d failed: %v", fd, err)
				return err
			}
		}
	}
}
