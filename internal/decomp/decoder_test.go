package decomp

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mount-zip/mount-zip/internal/archive"
)

type fakeSource struct {
	data      []byte
	openCalls int
	failAfter int // if > 0, the stream errors after this many bytes
}

func (f *fakeSource) Entries(ctx context.Context) ([]archive.Entry, error) {
	return nil, nil
}

func (f *fakeSource) Stream(ctx context.Context, index int, passphrase string) (io.ReadCloser, error) {
	f.openCalls++
	if passphrase == "wrong" {
		return nil, archive.ErrWrongPassphrase
	}
	r := io.Reader(bytes.NewReader(f.data))
	if f.failAfter > 0 {
		r = io.MultiReader(io.LimitReader(r, int64(f.failAfter)), &errReader{})
	}
	return io.NopCloser(r), nil
}

func (f *fakeSource) Close() error { return nil }

type errReader struct{}

func (*errReader) Read(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestDecoderBufferedRandomAccess(t *testing.T) {
	src := &fakeSource{data: []byte("hello, decompression engine")}
	d, err := New(src, 0, uint64(len(src.data)), Options{}, "")
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 5)
	n, err := d.ReadAt(context.Background(), buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "decom", string(buf[:n]))

	n, err = d.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	assert.Equal(t, 1, src.openCalls, "buffered mode must decode each entry with a single stream open")
}

func TestDecoderBufferedPrecache(t *testing.T) {
	src := &fakeSource{data: []byte("precache me fully")}
	d, err := New(src, 0, uint64(len(src.data)), Options{}, "")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Precache(context.Background()))

	buf := make([]byte, len(src.data))
	n, err := d.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, src.data, buf[:n])
}

func TestDecoderBufferedPageCache(t *testing.T) {
	src := &fakeSource{data: bytes.Repeat([]byte("AB"), 4096)} // 8192 bytes, 2 pages at 4096
	cache := NewPageCache(1 << 20)
	d, err := New(src, 0, uint64(len(src.data)), Options{Cache: cache}, "")
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 10)
	_, err = d.ReadAt(context.Background(), buf, 4090)
	require.NoError(t, err)
	cache.CheckInvariants()

	// second read of the same window must not re-touch the source.
	_, err = d.ReadAt(context.Background(), buf, 4090)
	require.NoError(t, err)
	assert.Equal(t, 1, src.openCalls)
}

func TestDecoderTruncatedEntryIsSticky(t *testing.T) {
	src := &fakeSource{data: []byte("0123456789"), failAfter: 4}
	d, err := New(src, 0, uint64(len(src.data)), Options{}, "")
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 10)
	_, err = d.ReadAt(context.Background(), buf, 0)
	assert.Error(t, err)

	_, err = d.ReadAt(context.Background(), buf, 0)
	assert.Error(t, err, "a failed entry stays failed for subsequent reads")
}

func TestDecoderNoCacheSequentialAndRewind(t *testing.T) {
	src := &fakeSource{data: []byte("abcdefghijklmnopqrstuvwxyz")}
	d, err := New(src, 0, uint64(len(src.data)), Options{NoCache: true}, "")
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, 5)
	n, err := d.ReadAt(context.Background(), buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(buf[:n]))

	n, err = d.ReadAt(context.Background(), buf, 10)
	require.NoError(t, err)
	assert.Equal(t, "klmno", string(buf[:n]))

	// rewinding behind the current stream position forces a restart.
	n, err = d.ReadAt(context.Background(), buf, 2)
	require.NoError(t, err)
	assert.Equal(t, "cdefg", string(buf[:n]))
	assert.Equal(t, 2, src.openCalls, "nocache mode recreates the stream on a backward seek")
}

func TestDecoderWrongPassphrase(t *testing.T) {
	src := &fakeSource{data: []byte("secret")}
	d, err := New(src, 0, uint64(len(src.data)), Options{}, "wrong")
	require.NoError(t, err)
	defer d.Close()

	err = d.Validate(context.Background())
	assert.ErrorIs(t, err, archive.ErrWrongPassphrase)
}
