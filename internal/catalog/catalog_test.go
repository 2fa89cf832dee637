package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alucardeht/mcp-spawner/internal/pathguard"
	"github.com/alucardeht/mcp-spawner/pkg/protocol"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func newScanner(t *testing.T, dir string) *Scanner {
	t.Helper()
	return NewScanner(pathguard.New(dir, ".py"), []string{".*", "__pycache__", "*~"})
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestScannerListsScripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "weather.py", "print('w')")
	writeFile(t, dir, "calculator.py", "print('c')")
	writeFile(t, dir, "notes.txt", "not a script")
	writeFile(t, dir, ".hidden.py", "")
	writeFile(t, dir, "draft.py~", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.py"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	writeFile(t, filepath.Join(dir, "sub"), "nested.py", "")

	entries, err := newScanner(t, dir).Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"calculator.py", "weather.py"}, names(entries))

	c := entries[0]
	assert.EqualValues(t, len("print('c')"), c.Size)
	assert.Len(t, c.ContentHash, 64)
	assert.NotEqual(t, c.ContentHash, entries[1].ContentHash)
	assert.Nil(t, c.Tools)
}

func TestScannerMissingRoot(t *testing.T) {
	entries, err := newScanner(t, filepath.Join(t.TempDir(), "absent")).Scan()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreSyncAndTools(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "calculator.py", "v1")
	writeFile(t, dir, "weather.py", "w")
	scanner := newScanner(t, dir)
	store := openStore(t)

	entries, err := scanner.Scan()
	require.NoError(t, err)
	result, err := store.Sync(entries)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Added: 2}, result)

	listed, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"calculator.py", "weather.py"}, names(listed))
	assert.True(t, entries[0].ModTime.Equal(listed[0].ModTime))
	assert.Nil(t, listed[0].Tools)

	tools := []protocol.Tool{{Name: "add", Description: "Add two numbers"}}
	require.NoError(t, store.RecordTools("calculator.py", entries[0].ContentHash, tools))

	got, err := store.Get("calculator.py")
	require.NoError(t, err)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "add", got.Tools[0].Name)
	assert.False(t, got.ToolsCheckedAt.IsZero())

	// A listing for stale content is refused.
	assert.ErrorIs(t, store.RecordTools("calculator.py", "stale", tools), ErrUnknownScript)

	// Resync without changes keeps the cached listing.
	result, err = store.Sync(entries)
	require.NoError(t, err)
	assert.True(t, result.Empty())
	got, err = store.Get("calculator.py")
	require.NoError(t, err)
	assert.Len(t, got.Tools, 1)

	// Changing content drops it; removing a script deletes its row.
	writeFile(t, dir, "calculator.py", "v2")
	require.NoError(t, os.Remove(filepath.Join(dir, "weather.py")))
	entries, err = scanner.Scan()
	require.NoError(t, err)
	result, err = store.Sync(entries)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Changed: 1, Removed: 1}, result)

	got, err = store.Get("calculator.py")
	require.NoError(t, err)
	assert.Nil(t, got.Tools)
	assert.True(t, got.ToolsCheckedAt.IsZero())

	_, err = store.Get("weather.py")
	assert.ErrorIs(t, err, ErrUnknownScript)
}

func TestStoreRecordsEmptyToolList(t *testing.T) {
	store := openStore(t)
	_, err := store.Sync([]Entry{{Name: "empty.py", ContentHash: "h", ModTime: time.Now()}})
	require.NoError(t, err)

	require.NoError(t, store.RecordTools("empty.py", "h", nil))
	got, err := store.Get("empty.py")
	require.NoError(t, err)
	assert.NotNil(t, got.Tools)
	assert.Empty(t, got.Tools)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	_, err = store.Sync([]Entry{{Name: "a.py", ContentHash: "x", ModTime: time.Now()}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()
	listed, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, names(listed))
}

func TestDebouncerCoalesces(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]FileEvent
	)
	d := NewDebouncer(30*time.Millisecond, 100, func(events []FileEvent) {
		mu.Lock()
		batches = append(batches, events)
		mu.Unlock()
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Add(FileEvent{Name: "calculator.py", Type: EventModify})
	}
	d.Add(FileEvent{Name: "weather.py", Type: EventCreate})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Len(t, batches[0], 2)
	mu.Unlock()
}

func TestDebouncerMaxBatchAndStop(t *testing.T) {
	var flushed [][]FileEvent
	d := NewDebouncer(time.Hour, 2, func(events []FileEvent) {
		flushed = append(flushed, events)
	})

	d.Add(FileEvent{Name: "a.py"})
	d.Add(FileEvent{Name: "b.py"})
	require.Len(t, flushed, 1, "reaching max batch flushes synchronously")

	d.Add(FileEvent{Name: "c.py"})
	d.Stop()
	require.Len(t, flushed, 2, "stop flushes pending events")
	assert.Equal(t, "c.py", flushed[1][0].Name)

	d.Add(FileEvent{Name: "d.py"})
	d.Stop()
	assert.Len(t, flushed, 2)
}

func TestWatcherFollowsRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "calculator.py", "v1")
	store := openStore(t)

	synced := make(chan SyncResult, 16)
	w, err := NewWatcher(WatcherConfig{
		DebounceWindow: 20 * time.Millisecond,
		MaxBatchSize:   100,
		OnSync:         func(r SyncResult) { synced <- r },
	}, newScanner(t, dir), store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	listed, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"calculator.py"}, names(listed))
	<-synced

	writeFile(t, dir, "weather.py", "w")
	writeFile(t, dir, "ignored.txt", "x")

	require.Eventually(t, func() bool {
		listed, err := store.List()
		return err == nil && len(listed) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "calculator.py")))
	require.Eventually(t, func() bool {
		listed, err := store.List()
		return err == nil && len(listed) == 1 && listed[0].Name == "weather.py"
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
