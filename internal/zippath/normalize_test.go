package zippath

import "testing"

import "github.com/stretchr/testify/assert"

func TestNormalizeBasic(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		isDir  bool
		bucket Bucket
		comps  []string
	}{
		{"plain relative", "normal.txt", false, BucketCurrent, []string{"normal.txt"}},
		{"one up", "../up-1.txt", false, BucketUp, []string{"up-1.txt"}},
		{"two up", "../../up-2.txt", false, BucketUp, []string{"up-2.txt"}},
		{"absolute", "/top.txt", false, BucketRoot, []string{"top.txt"}},
		{"absolute escape", "/../over-the-top.txt", false, BucketRootUp, []string{"over-the-top.txt"}},
		{"nested dirs", "pet/cat/fish.txt", false, BucketCurrent, []string{"pet", "cat", "fish.txt"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := Normalize(c.path, c.isDir)
			assert.False(t, r.Dropped)
			assert.Equal(t, c.bucket, r.Bucket)
			assert.Equal(t, c.comps, r.Components)
		})
	}
}

func TestNormalizeDropsEmpty(t *testing.T) {
	for _, p := range []string{"", ".", "./", "..", "../", "/", "///"} {
		r := Normalize(p, false)
		assert.Truef(t, r.Dropped, "expected %q to be dropped", p)
	}
}

func TestNormalizeDotSegmentsRetained(t *testing.T) {
	// "..." and "...." are not exactly "." or ".." so they are retained
	// literally per §4.1's edge policy.
	r := Normalize("weird/.../file", false)
	assert.False(t, r.Dropped)
	assert.Equal(t, []string{"weird", "...", "file"}, r.Components)
}

func TestNormalizeUpAndBackToCurrent(t *testing.T) {
	// "a/../b" resolves to "b" at depth 0, not an UP escape.
	r := Normalize("a/../b", false)
	assert.Equal(t, BucketCurrent, r.Bucket)
	assert.Equal(t, []string{"b"}, r.Components)
}

func TestNormalizeTrailingSlashForcesDir(t *testing.T) {
	r := Normalize("pet/cat/fish/", false)
	assert.True(t, r.IsDir)
	assert.Equal(t, []string{"pet", "cat", "fish"}, r.Components)
}

func TestSanitizeComponentTruncatesKeepingExtension(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	name := string(long) + ".txt"
	got := sanitizeComponent(name)
	assert.LessOrEqual(t, len(got), maxNameBytes)
	assert.Contains(t, got, ".txt")
}

func TestSanitizeComponentReplacesNUL(t *testing.T) {
	got := sanitizeComponent("bad\x00name")
	assert.Equal(t, "bad?name", got)
}

func TestBucketNameHasNoSlash(t *testing.T) {
	for _, b := range []Bucket{BucketUp, BucketRoot, BucketRootUp} {
		name := b.Name(3)
		assert.NotContains(t, name, "/")
		assert.NotEqual(t, "..", name)
		assert.NotEqual(t, ".", name)
	}
}
