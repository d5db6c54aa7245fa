package fusefs

import (
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/stretchr/testify/assert"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/volume"
)

func TestDirentType(t *testing.T) {
	cases := []struct {
		kind archive.Kind
		want fuseutil.DirentType
	}{
		{archive.KindDirectory, fuseutil.DT_Directory},
		{archive.KindSymlink, fuseutil.DT_Link},
		{archive.KindBlockDevice, fuseutil.DT_Block},
		{archive.KindCharDevice, fuseutil.DT_Char},
		{archive.KindFifo, fuseutil.DT_FIFO},
		{archive.KindSocket, fuseutil.DT_Socket},
		{archive.KindFile, fuseutil.DT_File},
		{archive.KindHardlink, fuseutil.DT_File},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, direntType(c.kind))
	}
}

func TestToAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	a := volume.Attr{
		Size:  123,
		Nlink: 2,
		Mode:  0644,
		Uid:   1000,
		Gid:   1000,
		Rdev:  0,
		Mtime: mtime,
		Atime: mtime,
		Ctime: mtime,
	}
	attr := toAttr(a)
	assert.EqualValues(t, 123, attr.Size)
	assert.EqualValues(t, 2, attr.Nlink)
	assert.Equal(t, a.Mode, attr.Mode)
	assert.EqualValues(t, 1000, attr.Uid)
	assert.EqualValues(t, 1000, attr.Gid)
	assert.True(t, attr.Mtime.Equal(mtime))
}

func TestToErrno(t *testing.T) {
	assert.NoError(t, toErrno(nil))
	assert.Equal(t, fuse.ENOENT, toErrno(volume.ErrNotFound))
	assert.Equal(t, fuse.ENOTDIR, toErrno(volume.ErrNotDir))
	assert.Equal(t, fuse.EINVAL, toErrno(volume.ErrNotSymlink))
	assert.Equal(t, fuse.EROFS, toErrno(volume.ErrWriteNotSupported))
	assert.Equal(t, fuse.EIO, toErrno(assertUnknownErr{}))
}

type assertUnknownErr struct{}

func (assertUnknownErr) Error() string { return "unknown" }
