package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 512, cfg.MaxSizeMB)
	assert.Equal(t, 10, cfg.BackupFileCount)
	assert.True(t, cfg.Compress)
}

func TestNewLogsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mount-zip.log")
	base := New(Config{Path: path, Debug: true})
	base.Info("hello from test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from test")
}

func TestNamedAttachesComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	named := Named(base, "fusefs")
	named.Info("mounted")
	assert.Contains(t, buf.String(), "component=fusefs")
}

func TestNopDiscardsOutput(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() { l.Info("should vanish") })
}
