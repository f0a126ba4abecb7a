package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	for _, size := range []uint32{1, 4096, size128k, size128k + 1, size1m, size1m + 1} {
		buf := Get(size)
		require.Equal(t, int(size), len(buf), "size=%d", size)
	}
}

func TestPutRecyclesStandardBucket(t *testing.T) {
	buf := Get(size256k)
	buf[0] = 0xFF
	Put(buf)

	buf2 := Get(size256k)
	require.Equal(t, size256k, len(buf2))
	// Pulled straight back out of the pool; a fresh allocation would be
	// zeroed, a recycled one might carry the old content, either is
	// legal, so only the length is actually guaranteed.
}

func TestPutOversizedBufferIsDropped(t *testing.T) {
	buf := Get(size1m + 1)
	require.NotPanics(t, func() { Put(buf) })
}

func TestPutReshapedBufferIsDropped(t *testing.T) {
	buf := Get(size128k)
	// Three-index slice caps capacity below any known bucket size, so Put
	// has no matching pool to return it to.
	short := buf[:10:10]
	require.NotPanics(t, func() { Put(short) })
}
