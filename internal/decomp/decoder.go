// Package decomp implements the Decompression Engine (§4.5): one
// Decoder per archive entry, turning the codec's sequential Stream
// into a randomly-addressable ReadAt, either backed by an on-disk
// scratch file (buffered mode) or re-decoded on the fly (nocache
// mode).
package decomp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sync/singleflight"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/logger"
)

// Decoder serves random-offset reads of one archive entry's plaintext.
type Decoder struct {
	source     archive.Source
	index      int
	size       int64
	passphrase string
	opts       Options
	log        *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	failed    error // sticky decode error; once set, every read is EIO
	closed    bool

	// buffered mode
	scratch    *os.File
	stream     io.ReadCloser
	highWater  int64 // bytes of plaintext already written to scratch

	// nocache mode
	ncStream io.ReadCloser
	ncPos    int64
}

// New creates a Decoder for entry index, sized size bytes of
// plaintext. No I/O happens until the first Precache or ReadAt call.
func New(source archive.Source, index int, size uint64, opts Options, passphrase string) (*Decoder, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Decoder{
		source:     source,
		index:      index,
		size:       int64(size),
		passphrase: passphrase,
		opts:       opts,
		log:        logger.Named(log, "decomp"),
	}, nil
}

// Validate opens the entry's stream once, far enough to surface an
// encryption failure, then discards it. Used at mount time to turn a
// bad passphrase into an early mount failure rather than a deferred
// per-read EIO (§6, exit code 37).
func (d *Decoder) Validate(ctx context.Context) error {
	rc, err := d.source.Stream(ctx, d.index, d.passphrase)
	if err != nil {
		d.log.Warn("passphrase validation failed", "entry_index", d.index, "error", err)
		return err
	}
	defer rc.Close()
	_, err = rc.Read(make([]byte, 1))
	if err != nil && !errors.Is(err, io.EOF) {
		d.log.Warn("passphrase validation failed", "entry_index", d.index, "error", err)
		return err
	}
	d.log.Debug("passphrase validated", "entry_index", d.index)
	return nil
}

// Precache decodes the entire entry up front. A no-op under NoCache,
// since that mode never persists decoded bytes anyway.
func (d *Decoder) Precache(ctx context.Context) error {
	if d.opts.NoCache {
		return nil
	}
	return d.ensureExtended(ctx, d.size)
}

// ReadAt serves p at plaintext offset off, extending the decode as
// needed. It never returns io.EOF short of reading past the entry's
// end; a short final read returns (n, nil) with n < len(p) only at
// the very end of the entry, matching the io.ReaderAt contract loosely
// enforced by the FUSE read path above it.
func (d *Decoder) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("decomp: negative offset %d", off)
	}
	if off >= d.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > d.size {
		want = d.size - off
	}
	p = p[:want]

	if d.opts.NoCache {
		return d.readAtNoCache(ctx, p, off)
	}
	return d.readAtBuffered(ctx, p, off)
}

// --- buffered mode ---

func (d *Decoder) readAtBuffered(ctx context.Context, p []byte, off int64) (int, error) {
	need := off + int64(len(p))
	if err := d.ensureExtended(ctx, need); err != nil {
		return 0, d.toEIO(err)
	}

	d.mu.Lock()
	scratch := d.scratch
	d.mu.Unlock()
	if scratch == nil {
		return 0, syscall.EIO
	}

	if d.opts.Cache == nil {
		n, err := scratch.ReadAt(p, off)
		if err != nil && errors.Is(err, io.EOF) {
			err = nil
		}
		return n, err
	}
	return d.readAtCached(scratch, p, off)
}

func (d *Decoder) readAtCached(scratch *os.File, p []byte, off int64) (int, error) {
	pageSize := int64(d.opts.pageSize())
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		pageNum := pos / pageSize
		pageStart := pageNum * pageSize

		data := d.opts.Cache.LookUp(d.index, pageNum)
		if data == nil {
			buf := make([]byte, pageSize)
			n, err := scratch.ReadAt(buf, pageStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return total, err
			}
			data = buf[:n]
			// A page the scratch file does not yet hold in full is served
			// but not cached, so a later read past its current end
			// re-reads the extended scratch instead of a truncated page.
			if int64(n) == pageSize || pageStart+int64(n) >= d.size {
				d.opts.Cache.Insert(d.index, pageNum, data)
			}
		}

		offInPage := int(pos - pageStart)
		if offInPage >= len(data) {
			break
		}
		n := copy(p[total:], data[offInPage:])
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// ensureExtended decodes and writes to the scratch file until either
// highWater reaches need or the entry is exhausted. Concurrent callers
// collapse onto one in-flight extend via singleflight, matching §4.5's
// "at most one concurrent decompression stream per member".
func (d *Decoder) ensureExtended(ctx context.Context, need int64) error {
	if need > d.size {
		need = d.size
	}
	for {
		d.mu.Lock()
		if d.highWater >= need {
			d.mu.Unlock()
			return nil
		}
		if d.failed != nil {
			err := d.failed
			d.mu.Unlock()
			return err
		}
		d.mu.Unlock()

		_, err, _ := d.group.Do("extend", func() (interface{}, error) {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.highWater >= need {
				return nil, nil
			}
			if d.failed != nil {
				return nil, d.failed
			}
			return nil, d.extendLocked(ctx, need)
		})
		if err != nil {
			return err
		}
	}
}

// extendLocked must be called with d.mu held. It streams from
// d.highWater up to need, creating the scratch file and decode stream
// on first use.
func (d *Decoder) extendLocked(ctx context.Context, need int64) error {
	if d.scratch == nil {
		f, err := os.CreateTemp(d.opts.ScratchDir, fmt.Sprintf("mount-zip-entry-%d-*", d.index))
		if err != nil {
			d.failed = err
			return err
		}
		d.scratch = f
	}
	if d.stream == nil {
		rc, err := d.source.Stream(ctx, d.index, d.passphrase)
		if err != nil {
			d.failed = err
			return err
		}
		d.stream = rc
	}

	buf := make([]byte, 64*1024)
	for d.highWater < need {
		toRead := int64(len(buf))
		if remaining := need - d.highWater; remaining < toRead {
			toRead = remaining
		}
		n, err := d.stream.Read(buf[:toRead])
		if n > 0 {
			if _, werr := d.scratch.WriteAt(buf[:n], d.highWater); werr != nil {
				d.failed = werr
				return werr
			}
			d.highWater += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if d.highWater < d.size {
					d.failed = fmt.Errorf("decomp: entry %d truncated at %d of %d bytes", d.index, d.highWater, d.size)
					return d.failed
				}
				break
			}
			d.failed = fmt.Errorf("decomp: entry %d: %w", d.index, err)
			return d.failed
		}
	}
	return nil
}

// --- nocache mode ---

func (d *Decoder) readAtNoCache(ctx context.Context, p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failed != nil {
		return 0, d.toEIO(d.failed)
	}

	if d.ncStream == nil || off < d.ncPos {
		if d.ncStream != nil {
			d.ncStream.Close()
			d.ncStream = nil
		}
		rc, err := d.source.Stream(ctx, d.index, d.passphrase)
		if err != nil {
			d.failed = err
			return 0, d.toEIO(err)
		}
		d.ncStream = bufioNopCloser(rc)
		d.ncPos = 0
	}

	if err := d.discardLocked(off - d.ncPos); err != nil {
		d.failed = err
		return 0, d.toEIO(err)
	}

	n, err := io.ReadFull(d.ncStream, p)
	d.ncPos += int64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = nil
		} else {
			d.failed = err
			return n, d.toEIO(err)
		}
	}
	return n, err
}

func (d *Decoder) discardLocked(n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, d.ncStream, n)
	d.ncPos += n
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type readCloser struct {
	*bufio.Reader
	underlying io.ReadCloser
}

func (r *readCloser) Close() error { return r.underlying.Close() }

func bufioNopCloser(rc io.ReadCloser) io.ReadCloser {
	return &readCloser{Reader: bufio.NewReader(rc), underlying: rc}
}

// Close releases every resource held by the Decoder: its scratch file,
// any open stream, and its cached pages.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.stream != nil {
		if err := d.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.ncStream != nil {
		if err := d.ncStream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.scratch != nil {
		name := d.scratch.Name()
		if err := d.scratch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if d.opts.Cache != nil {
		d.opts.Cache.EraseEntry(d.index)
	}
	return firstErr
}

func (d *Decoder) toEIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, archive.ErrWrongPassphrase) || errors.Is(err, archive.ErrPassphraseRequired) {
		return err
	}
	d.log.Error("decode failed, returning EIO", "entry_index", d.index, "error", err)
	return syscall.EIO
}
