package backend

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tempFD(t *testing.T, size int) int {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "backend-*.img")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(size)))
	return int(f.Fd())
}

func requireKind(t *testing.T, kind Kind) {
	t.Helper()
	if err := Probe(kind); err != nil {
		t.Skipf("backend %s unavailable on this host: %v", kind, err)
	}
}

func TestKindOffProbeAlwaysSucceeds(t *testing.T) {
	require.NoError(t, Probe(KindOff))
}

func TestNewKindOffReturnsNilContext(t *testing.T) {
	ctx, err := New(KindOff, 8)
	require.NoError(t, err)
	require.Nil(t, ctx)
}

func TestNewUnknownKindFails(t *testing.T) {
	_, err := New(Kind(99), 8)
	require.Error(t, err)
}

func testBackendReadWrite(t *testing.T, kind Kind) {
	requireKind(t, kind)

	fd := tempFD(t, 4096)
	payload := []byte("hello backend")
	_, err := unix.Pwrite(fd, payload, 0)
	require.NoError(t, err)

	ctx, err := New(kind, 8)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	readBuf := make([]byte, len(payload))
	accepted, err := ctx.Submit([]Submission{{
		UserTag: 1,
		Op:      SubmissionRead,
		FD:      fd,
		Iov:     [][]byte{readBuf},
		Offset:  0,
		Nbytes:  int64(len(payload)),
	}})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)

	events := waitForEvents(t, ctx, 1)
	require.Len(t, events, 1)
	require.Equal(t, uint64(1), events[0].UserTag)
	require.Equal(t, payload, readBuf)
}

func waitForEvents(t *testing.T, ctx Context, want int) []Event {
	t.Helper()
	var fds [1]unix.PollFd
	fds[0] = unix.PollFd{Fd: int32(ctx.NotifyFD()), Events: unix.POLLIN}

	var out []Event
	for len(out) < want {
		n, err := unix.Poll(fds[:], 2000)
		require.NoError(t, err)
		require.Greater(t, n, 0, "timed out waiting for backend completion")

		evs, err := ctx.Reap()
		require.NoError(t, err)
		out = append(out, evs...)
	}
	return out
}

func TestNativeContextReadsBack(t *testing.T) {
	testBackendReadWrite(t, KindNative)
}

func TestUringContextReadsBack(t *testing.T) {
	testBackendReadWrite(t, KindUring)
}

func TestRawIovecsSkipsEmptyEntries(t *testing.T) {
	iov := rawIovecs([][]byte{{1, 2, 3}, {}, {4}})
	require.Len(t, iov, 3)
	require.Equal(t, uint64(3), iov[0].Len)
	require.Equal(t, uint64(0), iov[1].Len)
	require.Equal(t, uint64(1), iov[2].Len)
}
