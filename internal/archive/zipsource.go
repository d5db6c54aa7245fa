package archive

import (
	"compress/flate"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	kzip "github.com/klauspost/compress/zip"
)

// hardlinkExtraID is the extra-field tag this implementation uses to mark
// a regular-file entry as a hardlink whose content is the target path.
// The ZIP format has no standard hardlink representation (unlike tar);
// unlike symlinks, which Info-ZIP's Unix extra field (0x7855/0x7875)
// plus the S_IFLNK type nibble identify unambiguously, a zip archiver
// that wants to preserve hardlinks has nothing standard to reach for. We
// pick an unassigned extra-field ID and treat its presence (independent
// of its payload) as the marker; real-world archives that don't know
// about it simply never set it, and such entries are read as plain
// regular files, matching the Non-goals boundary (no novel on-disk
// format invented beyond this one reader-only convention).
const hardlinkExtraID = 0x6C76

const (
	unixTypeMask = 0170000
	unixTypeReg  = 0100000
	unixTypeDir  = 0040000
	unixTypeLnk  = 0120000
	unixTypeBlk  = 0060000
	unixTypeChr  = 0020000
	unixTypeFifo = 0010000
	unixTypeSock = 0140000
)

// aeExtraID is the "AE-x" extra field used by WinZip's AES encryption.
const aeExtraID = 0x9901

type zipSource struct {
	closer io.Closer
	zr     *kzip.Reader
	size   int64

	mu      sync.Mutex
	entries []Entry         // cached by Entries()
	files   []*kzip.File    // parallel to entries
}

// Open constructs a Source backed by klauspost/compress/zip, the faster
// archive/zip-compatible reader distr1-distri carries for its own package
// decoding (see SPEC_FULL.md §11.2).
func Open(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	zr, err := kzip.NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: opening zip: %w", err)
	}
	return &zipSource{closer: f, zr: zr, size: fi.Size()}, nil
}

func (s *zipSource) Close() error { return s.closer.Close() }

func (s *zipSource) Entries(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries != nil {
		return s.entries, nil
	}

	entries := make([]Entry, 0, len(s.zr.File))
	files := make([]*kzip.File, 0, len(s.zr.File))
	for i, f := range s.zr.File {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		entries = append(entries, entryFromZipFile(i, f))
		files = append(files, f)
	}
	s.entries = entries
	s.files = files
	return entries, nil
}

func entryFromZipFile(index int, f *kzip.File) Entry {
	e := Entry{
		Index:            index,
		Name:             f.Name,
		UncompressedSize: f.UncompressedSize64,
		Mode:             f.Mode().Perm(),
		Mtime:            f.Modified,
		IsDir:            f.Mode().IsDir() || (len(f.Name) > 0 && f.Name[len(f.Name)-1] == '/'),
		IsEncrypted:      f.Flags&0x1 != 0,
		Kind:             KindFile,
		NonUTF8:          f.NonUTF8,
		RawName:          rawNameBytes(f),
	}

	unixMode, uid, gid, hasUnix := unixExtra(f)
	if hasUnix {
		e.Uid, e.Gid = uid, gid
		switch unixMode & unixTypeMask {
		case unixTypeDir:
			e.IsDir = true
			e.Kind = KindDirectory
		case unixTypeLnk:
			e.Kind = KindSymlink
		case unixTypeBlk:
			e.Kind = KindBlockDevice
		case unixTypeChr:
			e.Kind = KindCharDevice
		case unixTypeFifo:
			e.Kind = KindFifo
		case unixTypeSock:
			e.Kind = KindSocket
		}
	}
	if e.IsDir {
		e.Kind = KindDirectory
	}
	if hasHardlinkMarker(f) && e.Kind == KindFile {
		e.Kind = KindHardlink
	}

	return e
}

// unixExtra reads uid/gid from the PKWARE "UNIX" extra field (0x000d)
// and the mode from the external attributes. The Info-ZIP Unix extra
// fields (0x7875 "ux" and 0x7855 "Ux") are not parsed, so an entry that
// carries its owner only there reports uid and gid 0.
func unixExtra(f *kzip.File) (mode os.FileMode, uid, gid uint32, ok bool) {
	extra := f.Extra
	for len(extra) >= 4 {
		id := uint16(extra[0]) | uint16(extra[1])<<8
		size := int(uint16(extra[2]) | uint16(extra[3])<<8)
		if len(extra) < 4+size {
			break
		}
		payload := extra[4 : 4+size]
		switch id {
		case 0x7875: // new-style Unix extra field (uid/gid only): not parsed.
			if len(payload) >= 1 {
			}
		case 0x000d: // classic "UNIX" extra field: atime,mtime,uid,gid,...
			if len(payload) >= 8 {
				uid = uint32(uint16(payload[4]) | uint16(payload[5])<<8)
				gid = uint32(uint16(payload[6]) | uint16(payload[7])<<8)
				ok = true
			}
		}
		extra = extra[4+size:]
	}
	// The type nibble always comes from the external attributes' high
	// 16 bits when the creating host is Unix, independent of which
	// (if any) of the extra fields above were present.
	mode = os.FileMode(f.ExternalAttrs >> 16)
	return mode, uid, gid, ok || mode != 0
}

// rawNameBytes returns the archive entry's name in its original on-disk
// encoding for the benefit of the encoding=NAME mount option. The
// archive/zip-compatible reader stores the name bytes in f.Name without
// transcoding them (f.NonUTF8 only records its guess at their encoding),
// so they are returned unchanged.
func rawNameBytes(f *kzip.File) []byte {
	return []byte(f.Name)
}

func hasHardlinkMarker(f *kzip.File) bool {
	extra := f.Extra
	for len(extra) >= 4 {
		id := uint16(extra[0]) | uint16(extra[1])<<8
		size := int(uint16(extra[2]) | uint16(extra[3])<<8)
		if id == hardlinkExtraID {
			return true
		}
		if len(extra) < 4+size {
			break
		}
		extra = extra[4+size:]
	}
	return false
}

// Stream opens entry index, transparently handling the symlink/hardlink
// content convention (whose "data" is just the target path) and
// decryption. The archive library (klauspost) handles all standard
// compression methods once the plaintext compressed stream is in hand;
// this method's only job beyond that is stripping ZipCrypto/WinZip-AES
// framing, which neither archive/zip nor klauspost/compress/zip support
// natively.
func (s *zipSource) Stream(ctx context.Context, index int, passphrase string) (io.ReadCloser, error) {
	s.mu.Lock()
	if s.files == nil {
		s.mu.Unlock()
		if _, err := s.Entries(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
	}
	if index < 0 || index >= len(s.files) {
		s.mu.Unlock()
		return nil, fmt.Errorf("archive: index %d out of range", index)
	}
	f := s.files[index]
	s.mu.Unlock()

	if f.Flags&0x1 == 0 {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("archive: opening entry %d: %w", index, err)
		}
		return rc, nil
	}

	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	// OpenRaw hands back the entry's undecoded bytes (still compressed,
	// still encrypted) directly off the archive's file handle; unlike
	// Open, it has no per-call resource of its own to release.
	raw, err := f.OpenRaw()
	if err != nil {
		return nil, fmt.Errorf("archive: opening raw entry %d: %w", index, err)
	}

	strength, innerMethod, isAES := aesExtraStrength(aesExtra(f))
	var plain io.Reader
	if isAES {
		plain, err = newWinzipAESReader(raw, passphrase, strength)
	} else {
		checkByte := byte(f.CRC32 >> 24)
		plain, err = newZipCryptoReader(raw, passphrase, checkByte)
	}
	if err != nil {
		return nil, err
	}

	method := f.Method
	if isAES {
		method = innerMethod
	}

	decoded, err := decompressStream(plain, method)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(decoded), nil
}

func aesExtra(f *kzip.File) []byte {
	extra := f.Extra
	for len(extra) >= 4 {
		id := uint16(extra[0]) | uint16(extra[1])<<8
		size := int(uint16(extra[2]) | uint16(extra[3])<<8)
		if len(extra) < 4+size {
			break
		}
		if id == aeExtraID {
			return extra[4 : 4+size]
		}
		extra = extra[4+size:]
	}
	return nil
}

func decompressStream(r io.Reader, method uint16) (io.Reader, error) {
	switch method {
	case 0: // stored
		return r, nil
	case 8: // deflate
		return flate.NewReader(r), nil
	default:
		return nil, fmt.Errorf("archive: unsupported inner compression method %d", method)
	}
}
