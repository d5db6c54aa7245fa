package tree

import (
	"log/slog"

	"github.com/mount-zip/mount-zip/internal/zippath"
)

// Options carries the subset of mount options (spec §4.6) that affect
// tree construction.
type Options struct {
	// NoTrim disables root-singleton lifting (§4.2).
	NoTrim bool
	// NoSymlinks drops symlink entries entirely.
	NoSymlinks bool
	// NoHardlinks materializes hardlink groups as independent files,
	// each with its own bytes and nlink=1, instead of sharing an inode.
	NoHardlinks bool
	// NoSpecials drops block/char/fifo/socket entries.
	NoSpecials bool
	// DMask/FMask are OR'd into directory/file mode clear bits.
	DMask uint32
	FMask uint32

	// Decoder overrides per-entry name decoding; the zero Decoder
	// passes UTF-8 through unchanged. Ignored when UseLibzipHeuristic
	// is set.
	Decoder zippath.Decoder
	// UseLibzipHeuristic selects encoding=libzip: UTF-8 passthrough
	// when the entry's general-purpose UTF-8 bit is set or its name is
	// valid UTF-8, else CP437.
	UseLibzipHeuristic bool

	// Logger receives tree-construction diagnostics (dangling hardlink
	// targets, entry counts), tagged with the "tree" component (spec
	// §10.2). Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions matches mounting with no -o options at all.
func DefaultOptions() Options {
	return Options{}
}
