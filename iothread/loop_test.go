package iothread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegisterDispatchesOnReadability(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	fired := make(chan struct{}, 1)
	err = l.Register(fd, func() error {
		var drain [8]byte
		_, _ = unix.Read(fd, drain[:])
		fired <- struct{}{}
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go l.Run(ctx)

	var one [8]byte
	one[0] = 1
	_, err = unix.Write(fd, one[:])
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked within timeout")
	}
}

func TestUnregisterStopsDispatch(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	calls := 0
	err = l.Register(fd, func() error {
		calls++
		var drain [8]byte
		_, _ = unix.Read(fd, drain[:])
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Unregister(fd))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go l.Run(ctx)

	var one [8]byte
	one[0] = 1
	_, err = unix.Write(fd, one[:])
	require.NoError(t, err)

	<-ctx.Done()
	require.Equal(t, 0, calls)
}

func TestPollHandlerBusyPollsWithoutBlockingOnEpoll(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	var polls int
	done := make(chan struct{})
	err = l.Register(fd, func() error { return nil }, func() (bool, error) {
		polls++
		if polls >= 5 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		return polls < 5, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go l.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll handler was not busy-polled within timeout")
	}
	require.GreaterOrEqual(t, polls, 5)
}

func TestRunReturnsWhenContextCancelled(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
