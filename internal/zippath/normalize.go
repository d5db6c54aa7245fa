// Package zippath implements the Path Normalizer: it turns a raw,
// possibly hostile archive path into a sanitized component list plus a
// placement bucket, with no dependency on the rest of the tree.
package zippath

import (
	"strings"
)

// Bucket names the synthetic top-level directory a normalized path is
// rooted under.
type Bucket int

const (
	// BucketCurrent places the entry under the ordinary tree root.
	BucketCurrent Bucket = iota
	// BucketUp places the entry under a synthetic "UP" (or "UPUP...")
	// directory, one that escaped via a relative "../" chain.
	BucketUp
	// BucketRoot places the entry under a synthetic "ROOT" directory, one
	// whose archive path began with "/".
	BucketRoot
	// BucketRootUp is BucketRoot with additional ".." escapes past the
	// archive root; it is placed under the flat name "ROOT..UP..." (see
	// Name).
	BucketRootUp
)

// Name returns the synthetic top-level directory name for the bucket,
// given the number of unresolved ".." components (ignored for
// BucketCurrent). Bucket directory names never contain "/" — the
// "ROOT/../…" bucket described in spec §4.1/GLOSSARY is realized as one
// flat name, "ROOT.." + "UP" repeated, since a literal two-level
// directory named ".." would violate the Node Store's "no name is
// exactly '..'" invariant.
func (b Bucket) Name(upCount int) string {
	switch b {
	case BucketUp:
		return strings.Repeat("UP", upCount)
	case BucketRoot:
		return "ROOT"
	case BucketRootUp:
		return "ROOT.." + strings.Repeat("UP", upCount)
	default:
		return ""
	}
}

// Result is the outcome of normalizing one archive path.
type Result struct {
	Bucket     Bucket
	UpCount    int      // number of unresolved ".." components
	Components []string // sanitized path components, leaf last
	IsDir      bool
	Dropped    bool // true if the path resolves to nothing
}

const maxNameBytes = 255

// Normalize converts a decoded archive path into a Result. isDir is true
// when the archive's own metadata says the entry is a directory (independent
// of a trailing slash, which also forces IsDir).
func Normalize(path string, isDir bool) Result {
	if path == "" {
		return Result{Dropped: true}
	}

	leadingSlashes := 0
	for leadingSlashes < len(path) && path[leadingSlashes] == '/' {
		leadingSlashes++
	}
	absolute := leadingSlashes > 0
	rest := path[leadingSlashes:]

	if strings.HasSuffix(rest, "/") {
		isDir = true
	}

	segments := strings.Split(rest, "/")

	var components []string
	depth := 0
	upCount := 0

	for _, seg := range segments {
		switch seg {
		case "":
			continue
		case ".":
			continue
		case "..":
			if depth > 0 {
				components = components[:len(components)-1]
				depth--
			} else {
				upCount++
			}
		default:
			components = append(components, sanitizeComponent(seg))
			depth++
		}
	}

	if len(components) == 0 {
		// A bare ".", "..", "/", or "/../.." with nothing left behind it
		// names no filesystem object of its own; the synthetic bucket
		// directory itself is created lazily by the tree builder when the
		// first real entry needs it.
		return Result{Dropped: true}
	}

	var bucket Bucket
	switch {
	case absolute && upCount == 0:
		bucket = BucketRoot
	case absolute && upCount > 0:
		bucket = BucketRootUp
	case !absolute && upCount > 0:
		bucket = BucketUp
	default:
		bucket = BucketCurrent
	}

	return Result{
		Bucket:     bucket,
		UpCount:    upCount,
		Components: components,
		IsDir:      isDir,
	}
}

// sanitizeComponent replaces NUL bytes and truncates components longer
// than 255 bytes, preserving a trailing ".<ext>" suffix where possible.
func sanitizeComponent(name string) string {
	name = strings.ReplaceAll(name, "\x00", "?")

	if len(name) <= maxNameBytes {
		return name
	}

	stem, ext := splitExtension(name)
	// Truncate the stem to make room for the extension.
	keep := maxNameBytes - len(ext)
	if keep < 1 {
		// Pathological extension; fall back to a flat truncate.
		return name[:maxNameBytes]
	}
	return stem[:keep] + ext
}

// splitExtension returns (stem, ext) where ext is a trailing ".<suffix>"
// of at most 11 bytes containing no spaces, or (name, "") if no such
// suffix exists. This mirrors the suffix-insertion rule used for
// collision renaming in internal/tree.
func splitExtension(name string) (stem, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, ""
	}
	candidate := name[idx:]
	if len(candidate) > 11 || strings.ContainsRune(candidate, ' ') {
		return name, ""
	}
	return name[:idx], candidate
}
