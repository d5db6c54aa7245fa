// Package reader implements the Reader Registry (§4.4): per-archive-
// entry lazy Decoder construction, shared across every open file
// handle of that entry, with reference counting for teardown.
package reader

import (
	"context"
	"fmt"
	"sync"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/decomp"
)

// Registry owns one decomp.Decoder per archive entry index, created on
// first open and optionally torn down on last release.
type Registry struct {
	source archive.Source
	opts   decomp.Options

	mu      sync.Mutex
	entries map[int]*entryState
}

type entryState struct {
	decoder  *decomp.Decoder
	refCount int
}

// New creates a Registry backed by source. opts configures every
// Decoder it builds (buffered vs. nocache, scratch directory, page
// cache).
func New(source archive.Source, opts decomp.Options) *Registry {
	return &Registry{
		source:  source,
		opts:    opts,
		entries: make(map[int]*entryState),
	}
}

// Handle is one open file descriptor: cheap, carrying only the entry
// index, a current offset, and a reference to the shared Decoder.
type Handle struct {
	registry    *Registry
	index       int
	passphrase  string
	offset      int64
}

// Open returns a new Handle for entry index. Each call increments the
// entry's reference count.
func (r *Registry) Open(ctx context.Context, index int, size uint64, passphrase string) (*Handle, error) {
	r.mu.Lock()
	st, ok := r.entries[index]
	if !ok {
		dec, err := decomp.New(r.source, index, size, r.opts, passphrase)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("reader: opening entry %d: %w", index, err)
		}
		st = &entryState{decoder: dec}
		r.entries[index] = st
	}
	st.refCount++
	r.mu.Unlock()

	if r.opts.Precache {
		if err := st.decoder.Precache(ctx); err != nil {
			return nil, err
		}
	}

	return &Handle{registry: r, index: index, passphrase: passphrase}, nil
}

// Read delegates to the shared Decoder at the handle's current offset
// and advances it, matching ordinary POSIX read() semantics; mount-zip
// callers use Pread (below) for offset-addressed FUSE reads instead.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	n, err := h.registry.pread(ctx, h.index, h.offset, p)
	h.offset += int64(n)
	return n, err
}

// Pread reads length bytes at off, independent of the handle's
// sequential offset, matching the FUSE read op's explicit offset.
func (h *Handle) Pread(ctx context.Context, off int64, p []byte) (int, error) {
	return h.registry.pread(ctx, h.index, off, p)
}

func (r *Registry) pread(ctx context.Context, index int, off int64, p []byte) (int, error) {
	r.mu.Lock()
	st, ok := r.entries[index]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("reader: entry %d has no open decoder", index)
	}
	return st.decoder.ReadAt(ctx, p, off)
}

// Release decrements the entry's reference count. If it reaches zero
// and nocache is configured, the Decoder is torn down (§4.4).
func (h *Handle) Release() error {
	r := h.registry
	r.mu.Lock()
	st, ok := r.entries[h.index]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	st.refCount--
	last := st.refCount <= 0
	if last && r.opts.NoCache {
		delete(r.entries, h.index)
	}
	r.mu.Unlock()

	if last && r.opts.NoCache {
		return st.decoder.Close()
	}
	return nil
}

// CloseAll tears down every remaining Decoder, used on unmount.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for idx, st := range r.entries {
		if err := st.decoder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.entries, idx)
	}
	return firstErr
}
