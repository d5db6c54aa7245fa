// Package fusefs adapts a Volume Facade to the jacobsa/fuse kernel
// interface (spec §6): init, lookup, forget, getattr, readlink, open,
// read, release, opendir, readdir, releasedir, statfs. Every mutating
// op is left as fuseutil.NotImplementedFileSystem's ENOSYS stub, since
// this is a read-only mount.
package fusefs

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/logger"
	"github.com/mount-zip/mount-zip/internal/volume"
)

// FileSystem is the fuseutil.FileSystem implementation wrapping one
// mounted Volume. Grounded on the teacher's own fs.fileSystem: the
// XxxOp methods take no separate context.Context parameter, obtaining
// one from op.Context() instead, and a ReadFileOp is served by
// assigning op.Data directly rather than copying into a caller-owned
// buffer.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	vol *volume.Volume
	log *slog.Logger

	mu          sync.Mutex
	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]*dirHandle
	fileHandles map[fuseops.HandleID]*volume.Handle
}

type dirHandle struct {
	entries []fuseutil.Dirent
}

// New builds a FileSystem over vol. A nil log discards every
// diagnostic; callers normally pass a base logger.Named(base,
// "fusefs") logger (spec §10.2).
func New(vol *volume.Volume, log *slog.Logger) *FileSystem {
	if log == nil {
		log = logger.Nop()
	}
	return &FileSystem{
		vol:         vol,
		log:         log,
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]*volume.Handle),
	}
}

// Server wraps fs into a fuse.Server ready for fuse.Mount.
func Server(fs *FileSystem) fuse.Server {
	return fuseutil.NewFileSystemServer(fs)
}

func direntType(k archive.Kind) fuseutil.DirentType {
	switch k {
	case archive.KindDirectory:
		return fuseutil.DT_Directory
	case archive.KindSymlink:
		return fuseutil.DT_Link
	case archive.KindBlockDevice:
		return fuseutil.DT_Block
	case archive.KindCharDevice:
		return fuseutil.DT_Char
	case archive.KindFifo:
		return fuseutil.DT_FIFO
	case archive.KindSocket:
		return fuseutil.DT_Socket
	default:
		return fuseutil.DT_File
	}
}

func toAttr(a volume.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  a.Nlink,
		Mode:   a.Mode,
		Atime:  a.Atime,
		Mtime:  a.Mtime,
		Ctime:  a.Ctime,
		Uid:    a.Uid,
		Gid:    a.Gid,
		Rdev:   uint32(a.Rdev),
	}
}

func toErrno(err error) error {
	switch err {
	case nil:
		return nil
	case volume.ErrNotFound:
		return fuse.ENOENT
	case volume.ErrNotDir:
		return fuse.ENOTDIR
	case volume.ErrNotSymlink:
		return fuse.EINVAL
	case volume.ErrWriteNotSupported:
		return fuse.EROFS
	default:
		return fuse.EIO
	}
}

// errno maps err to its FUSE errno and logs anything that fell through
// to a bare EIO, since that's the one outcome a client can't tell
// apart from every other internal failure (spec §10.2).
func (fs *FileSystem) errno(op string, err error) error {
	mapped := toErrno(err)
	if mapped == fuse.EIO {
		fs.log.Error("fuse op failed", "op", op, "error", err)
	}
	return mapped
}

func (fs *FileSystem) Init(op *fuseops.InitOp) error {
	return nil
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	id, attr, err := fs.vol.Lookup(uint64(op.Parent), op.Name)
	if err != nil {
		return fs.errno("lookup", err)
	}
	op.Entry.Child = fuseops.InodeID(id)
	op.Entry.Attributes = toAttr(attr)
	op.Entry.AttributesExpiration = time.Now().Add(time.Hour)
	op.Entry.EntryExpiration = op.Entry.AttributesExpiration
	return nil
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	attr, err := fs.vol.GetAttr(uint64(op.Inode))
	if err != nil {
		return fs.errno("getattr", err)
	}
	op.Attributes = toAttr(attr)
	op.AttributesExpiration = time.Now().Add(time.Hour)
	return nil
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	return nil
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	attr, err := fs.vol.GetAttr(uint64(op.Inode))
	if err != nil {
		return fs.errno("opendir", err)
	}
	if attr.Kind != archive.KindDirectory {
		return fuse.ENOTDIR
	}
	children, err := fs.vol.ReadDir(uint64(op.Inode))
	if err != nil {
		return fs.errno("readdir", err)
	}

	entries := make([]fuseutil.Dirent, 0, len(children)+2)
	entries = append(entries,
		fuseutil.Dirent{Offset: 1, Inode: op.Inode, Name: ".", Type: fuseutil.DT_Directory},
		fuseutil.Dirent{Offset: 2, Inode: op.Inode, Name: "..", Type: fuseutil.DT_Directory},
	)
	for _, c := range children {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  fuseops.InodeID(c.ID),
			Name:   c.Name,
			Type:   direntType(c.Kind),
		})
	}

	fs.mu.Lock()
	fs.nextHandle++
	h := fs.nextHandle
	fs.dirHandles[h] = &dirHandle{entries: entries}
	fs.mu.Unlock()

	op.Handle = h
	return nil
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}
	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return fuse.EINVAL
	}
	for _, e := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) error {
	target, err := fs.vol.ReadLink(uint64(op.Inode))
	if err != nil {
		return fs.errno("readlink", err)
	}
	op.Target = target
	return nil
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	writeRequested := op.OpenFlags&(os.O_WRONLY|os.O_RDWR) != 0
	h, err := fs.vol.Open(op.Context(), uint64(op.Inode), writeRequested)
	if err != nil {
		return fs.errno("open", err)
	}

	fs.mu.Lock()
	fs.nextHandle++
	handleID := fs.nextHandle
	fs.fileHandles[handleID] = h
	fs.mu.Unlock()

	op.Handle = handleID
	op.KeepPageCache = true
	return nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	buf := make([]byte, op.Size)
	n, err := fs.vol.Read(op.Context(), h, op.Offset, buf)
	if err != nil {
		return fs.errno("read", err)
	}
	op.Data = buf[:n]
	return nil
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	return fs.vol.Release(h)
}

func (fs *FileSystem) StatFS(op *fuseops.StatFSOp) error {
	sf := fs.vol.Statfs()
	op.BlockSize = sf.BlockSize
	op.Blocks = sf.Blocks
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	op.Inodes = sf.Files
	op.InodesFree = 0
	op.IoSize = 65536
	return nil
}

var _ fuseutil.FileSystem = (*FileSystem)(nil)
