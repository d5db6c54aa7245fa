// Package volume implements the Volume Facade (§4.6): the FUSE-facing
// surface that turns Node Store lookups and Reader Registry handles
// into the handful of operations a filesystem adapter needs, plus
// Statvfs/Accounting (§4.7).
package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/inode"
	"github.com/mount-zip/mount-zip/internal/logger"
	"github.com/mount-zip/mount-zip/internal/reader"
)

// ErrNotFound, ErrNotDir, ErrNotSymlink, and ErrWriteNotSupported are
// the Volume-level errors the FUSE adapter translates to errno.
var (
	ErrNotFound         = errors.New("volume: not found")
	ErrNotDir           = errors.New("volume: not a directory")
	ErrNotSymlink       = errors.New("volume: not a symlink")
	ErrWriteNotSupported = errors.New("volume: write operations are not supported")
)

// Attr is the subset of Node fields a filesystem adapter reports as
// inode attributes.
type Attr struct {
	Ino   uint64
	Kind  archive.Kind
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Size  uint64
	Nlink uint32
	Rdev  uint64
	Mtime time.Time
	Atime time.Time
	Ctime time.Time
}

// Statfs is the fixed accounting block, grounded on spec §4.6/§4.7.
type Statfs struct {
	BlockSize  uint32 // f_bsize
	FrSize     uint32 // f_frsize
	Blocks     uint64 // f_blocks
	Files      uint64 // f_files
	NameMax    uint32 // f_namemax
}

const (
	statfsBlockSize = 512
	statfsNameMax   = 255
)

// Volume is the read-only facade over one mounted archive.
type Volume struct {
	store      *inode.Store
	registry   *reader.Registry
	passphrase string
	log        *slog.Logger
}

// New creates a Volume over an already-built Node Store and a Reader
// Registry sharing the same archive.Source. A nil log discards every
// diagnostic; callers normally pass a base logger.Named(base, "volume")
// logger (spec §10.2).
func New(store *inode.Store, registry *reader.Registry, passphrase string, log *slog.Logger) *Volume {
	if log == nil {
		log = logger.Nop()
	}
	return &Volume{store: store, registry: registry, passphrase: passphrase, log: log}
}

// Handle is an open file descriptor, opaque to callers beyond Read
// and Release.
type Handle struct {
	nodeID uint64
	rh     *reader.Handle
}

func attrOf(n *inode.Node) Attr {
	mode := os.FileMode(n.Mode)
	switch n.Kind {
	case archive.KindDirectory:
		mode |= os.ModeDir
	case archive.KindSymlink:
		mode |= os.ModeSymlink
	case archive.KindBlockDevice:
		mode |= os.ModeDevice
	case archive.KindCharDevice:
		mode |= os.ModeDevice | os.ModeCharDevice
	case archive.KindFifo:
		mode |= os.ModeNamedPipe
	case archive.KindSocket:
		mode |= os.ModeSocket
	}
	return Attr{
		Ino:   n.InoOf(),
		Kind:  n.Kind,
		Mode:  mode,
		Uid:   n.Uid,
		Gid:   n.Gid,
		Size:  n.Size,
		Nlink: n.Nlink,
		Rdev:  n.Rdev,
		Mtime: n.Mtime,
		Atime: n.Atime,
		Ctime: n.Ctime,
	}
}

// Lookup resolves (parent, name); name must already be validated by
// the caller as non-empty and free of '/' and NUL (§4.6).
func (v *Volume) Lookup(parent uint64, name string) (id uint64, attr Attr, err error) {
	n, ok := v.store.Lookup(parent, name)
	if !ok {
		return 0, Attr{}, ErrNotFound
	}
	return n.ID, attrOf(n), nil
}

// GetAttr returns the fixed attributes of id.
func (v *Volume) GetAttr(id uint64) (Attr, error) {
	n, ok := v.store.Get(id)
	if !ok {
		return Attr{}, ErrNotFound
	}
	return attrOf(n), nil
}

// ReadDir returns id's children in stable (insertion) order, callers
// are expected to add synthetic "." and ".." entries at positions 0
// and 1 themselves (most FUSE bindings do this for the caller).
func (v *Volume) ReadDir(id uint64) ([]inode.DirEntry, error) {
	n, ok := v.store.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if n.Kind != archive.KindDirectory {
		return nil, ErrNotDir
	}
	return v.store.ReadDir(id)
}

// ReadLink returns a symlink's stored target.
func (v *Volume) ReadLink(id uint64) (string, error) {
	n, ok := v.store.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	if n.Kind != archive.KindSymlink {
		return "", ErrNotSymlink
	}
	return v.store.Readlink(id)
}

// Open returns a read handle for id. writeRequested must be false:
// this is a read-only filesystem (§4.6 "write flags ⇒ EROFS").
func (v *Volume) Open(ctx context.Context, id uint64, writeRequested bool) (*Handle, error) {
	if writeRequested {
		return nil, ErrWriteNotSupported
	}
	n, ok := v.store.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if n.Kind != archive.KindFile {
		return nil, fmt.Errorf("volume: node %d is not a regular file", id)
	}
	rh, err := v.registry.Open(ctx, n.ArchiveIndex, n.Size, v.passphrase)
	if err != nil {
		v.log.Error("open failed", "node_id", id, "archive_index", n.ArchiveIndex, "error", err)
		return nil, err
	}
	return &Handle{nodeID: id, rh: rh}, nil
}

// Read serves up to len(p) bytes at off; a short read at EOF is
// normal and returns a nil error.
func (v *Volume) Read(ctx context.Context, h *Handle, off int64, p []byte) (int, error) {
	n, err := h.rh.Pread(ctx, off, p)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	if err != nil {
		v.log.Error("read failed", "node_id", h.nodeID, "offset", off, "error", err)
	}
	return n, err
}

// Release closes a Handle, possibly tearing down its Decoder under
// `nocache` (§4.4).
func (v *Volume) Release(h *Handle) error {
	return h.rh.Release()
}

// Statfs computes the fixed accounting block (§4.6/§4.7): f_blocks is
// the sum of ceil(size/512) over every regular file plus one, f_files
// is the live Node count.
func (v *Volume) Statfs() Statfs {
	var blocks uint64 = 1
	v.store.Walk(func(n *inode.Node) {
		if n.Kind == archive.KindFile {
			blocks += (n.Size + statfsBlockSize - 1) / statfsBlockSize
		}
	})
	return Statfs{
		BlockSize: statfsBlockSize,
		FrSize:    statfsBlockSize,
		Blocks:    blocks,
		Files:     uint64(v.store.Count()),
		NameMax:   statfsNameMax,
	}
}
