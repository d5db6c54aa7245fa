package zippath

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Decoder turns the raw bytes of an archive entry's name into text. The
// zero value decodes as UTF-8.
type Decoder struct {
	enc encoding.Encoding
}

// named maps the mount option's encoding=NAME values to x/text encodings.
// "utf-8"/"" are handled by NewDecoder and "libzip" by LibzipHeuristic,
// without going through this table.
var named = map[string]encoding.Encoding{
	"cp437":      charmap.CodePage437,
	"cp850":      charmap.CodePage850,
	"cp1252":     charmap.Windows1252,
	"latin1":     charmap.ISO8859_1,
	"iso-8859-1": charmap.ISO8859_1,
	"shift-jis":  japanese.ShiftJIS,
	"sjis":       japanese.ShiftJIS,
	"euc-kr":     korean.EUCKR,
	"gbk":        simplifiedchinese.GBK,
	"gb18030":    simplifiedchinese.GB18030,
}

// NewDecoder resolves a mount option's encoding=NAME value. The special
// names "" and "utf-8" select raw UTF-8 passthrough; "libzip" defers to
// the archive library's own per-entry heuristic and is rejected with an
// error (callers must special-case it, see LibzipHeuristic).
func NewDecoder(name string) (Decoder, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "utf-8" || name == "utf8" {
		return Decoder{}, nil
	}
	if name == "libzip" {
		return Decoder{}, fmt.Errorf("zippath: %q must be handled via LibzipHeuristic, not NewDecoder", name)
	}
	enc, ok := named[name]
	if !ok {
		return Decoder{}, fmt.Errorf("zippath: unknown encoding %q", name)
	}
	return Decoder{enc: enc}, nil
}

// Decode converts raw archive-entry-name bytes to text.
func (d Decoder) Decode(raw []byte) (string, error) {
	if d.enc == nil {
		return string(raw), nil
	}
	out, err := d.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("zippath: decode: %w", err)
	}
	return string(out), nil
}

// LibzipHeuristic reproduces the archive library's per-entry fallback used
// when encoding=libzip is requested and general-purpose-bit-flag 11 (UTF-8)
// is unset: valid UTF-8 is kept as-is, anything else is decoded as CP437,
// the original PKWARE default code page. This mirrors §9's "Name encoding
// heuristics" note that the choice is per-entry, not per-mount.
func LibzipHeuristic(raw []byte, utf8Flag bool) (string, error) {
	if utf8Flag {
		return string(raw), nil
	}
	if isValidUTF8(raw) {
		return string(raw), nil
	}
	out, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("zippath: libzip heuristic: %w", err)
	}
	return string(out), nil
}

func isValidUTF8(b []byte) bool {
	return strings.ToValidUTF8(string(b), "�") == string(b)
}
