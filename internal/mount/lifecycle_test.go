package mount

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/decomp"
	"github.com/mount-zip/mount-zip/internal/logger"
	"github.com/mount-zip/mount-zip/internal/mountopts"
)

type fakeSource struct {
	entries []archive.Entry
	content map[int][]byte
	wrong   string
}

func (f *fakeSource) Entries(ctx context.Context) ([]archive.Entry, error) {
	return f.entries, nil
}

func (f *fakeSource) Stream(ctx context.Context, index int, passphrase string) (io.ReadCloser, error) {
	e := f.entries[index]
	if e.IsEncrypted && passphrase != f.wrong {
		return nil, archive.ErrWrongPassphrase
	}
	return io.NopCloser(bytes.NewReader(f.content[index])), nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) add(name string, encrypted bool, content string) int {
	idx := len(f.entries)
	f.entries = append(f.entries, archive.Entry{
		Index:            idx,
		Name:             name,
		UncompressedSize: uint64(len(content)),
		Mode:             0644,
		Mtime:            time.Unix(0, 0),
		Kind:             archive.KindFile,
		IsEncrypted:      encrypted,
	})
	if f.content == nil {
		f.content = map[int][]byte{}
	}
	f.content[idx] = []byte(content)
	return idx
}

func TestClassifyOpenErrNotFound(t *testing.T) {
	_, statErr := os.Stat("/nonexistent/path/that/does/not/exist")
	require.Error(t, statErr)
	_, err := archive.Open("/nonexistent/path/that/does/not/exist")
	require.Error(t, err)
	merr := classifyOpenErr(err).(*Error)
	assert.Equal(t, ExitArchiveNotFound, merr.ExitCode)
}

func TestValidatePassphrasesNoneEncrypted(t *testing.T) {
	src := &fakeSource{wrong: "correct"}
	src.add("a.txt", false, "hello")
	err := validatePassphrases(context.Background(), src, src.entries, decomp.Options{}, Config{}, logger.Nop())
	assert.NoError(t, err)
}

func TestValidatePassphrasesMissing(t *testing.T) {
	src := &fakeSource{wrong: "correct"}
	src.add("secret.txt", true, "hello")
	err := validatePassphrases(context.Background(), src, src.entries, decomp.Options{}, Config{}, logger.Nop())
	require.Error(t, err)
	merr := err.(*Error)
	assert.Equal(t, ExitPassphraseRequired, merr.ExitCode)
}

func TestValidatePassphrasesWrong(t *testing.T) {
	src := &fakeSource{wrong: "correct"}
	src.add("secret.txt", true, "hello")
	cfg := Config{Passphrase: "nope"}
	err := validatePassphrases(context.Background(), src, src.entries, decomp.Options{}, cfg, logger.Nop())
	require.Error(t, err)
	merr := err.(*Error)
	assert.Equal(t, ExitWrongPassphrase, merr.ExitCode)
}

func TestValidatePassphrasesWrongButForced(t *testing.T) {
	src := &fakeSource{wrong: "correct"}
	src.add("secret.txt", true, "hello")
	cfg := Config{Passphrase: "nope", Options: mountopts.Options{Force: true}}
	err := validatePassphrases(context.Background(), src, src.entries, decomp.Options{}, cfg, logger.Nop())
	assert.NoError(t, err)
}

func TestValidatePassphrasesCorrect(t *testing.T) {
	src := &fakeSource{wrong: "correct"}
	src.add("secret.txt", true, "hello")
	cfg := Config{Passphrase: "correct"}
	err := validatePassphrases(context.Background(), src, src.entries, decomp.Options{}, cfg, logger.Nop())
	assert.NoError(t, err)
}

func TestOpenRejectsEmptyArchivePath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	merr := err.(*Error)
	assert.Equal(t, ExitNoArchivePath, merr.ExitCode)
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := mountErr(ExitArchiveMalformed, inner)
	assert.ErrorIs(t, e, inner)
}
