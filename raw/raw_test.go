package raw

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempFile(t *testing.T, size int) (*os.File, []byte) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "raw-*.img")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i)
	}
	_, err = f.Write(content)
	require.NoError(t, err)
	return f, content
}

func TestPreadPwrite(t *testing.T) {
	f, content := tempFile(t, 4096)
	fd := int(f.Fd())

	buf := make([]byte, 100)
	n, err := Pread(fd, buf, 10)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.Equal(t, content[10:110], buf)

	pattern := []byte{0xEF, 0xEF, 0xEF}
	n, err = Pwrite(fd, pattern, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	readback := make([]byte, 3)
	_, err = Pread(fd, readback, 0)
	require.NoError(t, err)
	require.Equal(t, pattern, readback)
}

func TestPreadvPwritev(t *testing.T) {
	f, _ := tempFile(t, 4096)
	fd := int(f.Fd())

	a := []byte{1, 2, 3}
	b := []byte{4, 5, 6, 7}
	n, err := Pwritev(fd, [][]byte{a, b}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)

	ra := make([]byte, 3)
	rb := make([]byte, 4)
	n, err = Preadv(fd, [][]byte{ra, rb}, 0)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.Equal(t, a, ra)
	require.Equal(t, b, rb)
}

func TestDatasync(t *testing.T) {
	f, _ := tempFile(t, 512)
	n, err := Datasync(int(f.Fd()))
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestDiscardAndWriteZeroes(t *testing.T) {
	f, content := tempFile(t, 8192)
	fd := int(f.Fd())

	_, err := WriteZeroes(fd, 100, 200)
	require.NoError(t, err)

	buf := make([]byte, 200)
	_, err = Pread(fd, buf, 100)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}

	// Bytes outside the zeroed range are untouched.
	tail := make([]byte, 100)
	_, err = Pread(fd, tail, 300)
	require.NoError(t, err)
	require.Equal(t, content[300:400], tail)

	_, err = Discard(fd, 0, 512)
	require.NoError(t, err)
}
