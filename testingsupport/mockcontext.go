package testingsupport

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/blockaio/backend"
)

// MockContext is a scriptable backend.Context for exercising the
// engine's batching, partial-acceptance, and error-recovery paths
// without a real backend. Submissions that are accepted are serviced
// immediately against the submission's own FD/Offset/Iov using real
// pread/pwrite, so round-trip content checks still work; the "async"
// part being faked is only the deferred completion.
type MockContext struct {
	mu sync.Mutex

	// AcceptLimit caps how many submissions a single Submit call
	// accepts; zero means unlimited. SubmitErr, if set, is returned
	// when a Submit call accepts nothing.
	AcceptLimit int
	SubmitErr   error

	// ErrOnCall, if non-zero, makes the ErrOnCall'th Submit call (counting
	// from 1) reject its entire batch and return (0, SubmitErr), regardless
	// of AcceptLimit, to script a transient submission failure on a
	// specific round.
	ErrOnCall int

	// Capacity caps how many submissions may be accepted but not yet
	// reaped at once, modeling a real backend's fixed queue depth (e.g.
	// an AIO context's max_events); zero means unlimited. Submit accepts
	// only as much of a batch as fits in the remaining room, with no
	// error, leaving the rest for the caller to retry once some of the
	// outstanding submissions are reaped.
	Capacity int

	notifyFD    int
	ready       []backend.Event
	outstanding int

	SubmitCalls int
	ReapCalls   int
}

// NewMockContext creates a MockContext with its own eventfd, so it can be
// driven through a real epoll-based event loop in tests.
func NewMockContext() (*MockContext, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &MockContext{notifyFD: fd}, nil
}

func (m *MockContext) Submit(batch []backend.Submission) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitCalls++

	if m.ErrOnCall != 0 && m.SubmitCalls == m.ErrOnCall {
		return 0, m.SubmitErr
	}

	n := len(batch)
	if m.AcceptLimit > 0 && n > m.AcceptLimit {
		n = m.AcceptLimit
	}
	if m.Capacity > 0 {
		room := m.Capacity - m.outstanding
		if room < 0 {
			room = 0
		}
		if n > room {
			n = room
		}
	}
	if n == 0 {
		return 0, m.SubmitErr
	}

	for _, s := range batch[:n] {
		ev := backend.Event{UserTag: s.UserTag}
		switch s.Op {
		case backend.SubmissionRead:
			total := 0
			for _, b := range s.Iov {
				k, err := unix.Pread(s.FD, b, s.Offset+int64(total))
				if err != nil {
					ev.Status = -1
					break
				}
				total += k
			}
			ev.Bytes = int64(total)
		case backend.SubmissionWrite:
			total := 0
			for _, b := range s.Iov {
				k, err := unix.Pwrite(s.FD, b, s.Offset+int64(total))
				if err != nil {
					ev.Status = -1
					break
				}
				total += k
			}
			ev.Bytes = int64(total)
		case backend.SubmissionFsync:
			if err := unix.Fdatasync(s.FD); err != nil {
				ev.Status = -1
			}
		}
		m.ready = append(m.ready, ev)
	}
	m.outstanding += n

	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(m.notifyFD, buf[:])
	return n, nil
}

func (m *MockContext) Reap() ([]backend.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReapCalls++

	var drain [8]byte
	_, _ = unix.Read(m.notifyFD, drain[:])

	out := m.ready
	m.ready = nil
	m.outstanding -= len(out)
	return out, nil
}

func (m *MockContext) NotifyFD() int { return m.notifyFD }

func (m *MockContext) Close() error { return unix.Close(m.notifyFD) }

var _ backend.Context = (*MockContext)(nil)
