package gridcore

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWatcherSeesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	var fired atomic.Int32
	var lastContent atomic.Value
	watcher, err := NewFileWatcher(path, nil, func(content []byte, modTime time.Time) {
		lastContent.Store(string(content))
		fired.Add(1)
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"s1"}]`), 0o644))

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, `[{"id":"s1"}]`, lastContent.Load())
}

func TestFileWatcherIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))

	var fired atomic.Int32
	watcher, err := NewFileWatcher(path, nil, func(content []byte, modTime time.Time) {
		fired.Add(1)
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("x"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestEngineWatchFileRaisesExternalModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	cfg := DefaultConfig()
	cfg.Autosave.Enabled = false
	engine := NewEngine(cfg, WithClock(newFakeClock()))
	defer engine.Close()

	original := document(t, "s1", map[string]string{"A1": "base"})
	require.NoError(t, os.WriteFile(path, original, 0o644))
	engine.LoadDocument(original, time.Now())
	require.NoError(t, engine.WatchFile(path))

	// local and external edits diverge on the same cell
	require.NoError(t, engine.UpdateCell("s1", 0, 0, "local edit"))
	external := document(t, "s1", map[string]string{"A1": "external edit"})
	require.NoError(t, os.WriteFile(path, external, 0o644))

	require.Eventually(t, func() bool {
		info := engine.CurrentConflict()
		return info != nil && info.Type == ConflictExternalModification
	}, 3*time.Second, 10*time.Millisecond)

	info := engine.CurrentConflict()
	require.Len(t, info.Cells, 1)
	assert.Equal(t, "local edit", info.Cells[0].Local)
	assert.Equal(t, "external edit", info.Cells[0].Remote)
}
