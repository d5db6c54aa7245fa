package decomp

import "log/slog"

// Options configures every Decoder built by a Registry (§4.4, §4.5).
type Options struct {
	// Force keeps mount-zip running when individual entries fail to
	// decode, surfacing I/O errors as EIO on the affected reads instead
	// of failing the whole mount.
	Force bool

	// NoCache disables the on-disk scratch file: reads are served from
	// a single rewindable decode stream per entry, with no member ever
	// persisted to local storage.
	NoCache bool

	// Precache eagerly decodes each entry to its scratch file in full
	// on first open, rather than lazily on demand. Ignored when
	// NoCache is set.
	Precache bool

	// ScratchDir is the directory scratch files are created in. Empty
	// means the OS default temp directory.
	ScratchDir string

	// Cache is the shared bounded page cache used by every Decoder in
	// buffered mode. Nil disables the page cache layer: buffered reads
	// still land in the scratch file, just always go through a direct
	// pread instead of a cached window.
	Cache *PageCache

	// PageSize is the window size pages are cached at. Defaults to
	// DefaultPageSize when zero.
	PageSize int

	// Logger receives per-entry decode failures and passphrase
	// validation outcomes, tagged with the "decomp" component (spec
	// §10.2). Nil discards them.
	Logger *slog.Logger
}

// DefaultPageSize is the page granularity for the shared page cache,
// matching common FUSE read-ahead sizes.
const DefaultPageSize = 4096

// DefaultPageCacheBytes is the default capacity of a process-wide
// PageCache (§4.5: "default 128 MiB, configurable").
const DefaultPageCacheBytes = 128 << 20

func (o Options) pageSize() int {
	if o.PageSize > 0 {
		return o.PageSize
	}
	return DefaultPageSize
}
