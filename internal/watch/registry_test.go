package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DeliversChangeEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	registry := NewRegistry(path, WithDebounce(50*time.Millisecond))
	require.NoError(t, registry.Start())
	defer registry.Stop()

	events := registry.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte(`{"v":1}`), 0644))

	select {
	case event := <-events:
		assert.Equal(t, filepath.Clean(path), filepath.Clean(event.Path))
	case <-time.After(3 * time.Second):
		t.Fatal("expected a change event")
	}
}

func TestRegistry_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	registry := NewRegistry(path, WithDebounce(50*time.Millisecond))
	require.NoError(t, registry.Start())
	defer registry.Stop()

	events := registry.Subscribe()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0644))

	select {
	case event := <-events:
		t.Fatalf("unexpected event for %s", event.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRegistry_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.json")

	registry := NewRegistry(path, WithDebounce(100*time.Millisecond))
	require.NoError(t, registry.Start())
	defer registry.Stop()

	events := registry.Subscribe()

	// A rapid burst of writes collapses into one event.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a debounced event")
	}

	select {
	case event := <-events:
		t.Fatalf("burst should collapse to one event, got a second for %s", event.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRegistry_StartIdempotent(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry(filepath.Join(dir, "task.json"))

	require.NoError(t, registry.Start())
	require.NoError(t, registry.Start(), "starting twice is a no-op")
	require.NoError(t, registry.Stop())
	require.NoError(t, registry.Stop(), "stopping twice is a no-op")
}

func TestRegistry_StopClosesSubscribers(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry(filepath.Join(dir, "task.json"))
	require.NoError(t, registry.Start())

	events := registry.Subscribe()
	require.NoError(t, registry.Stop())

	select {
	case _, ok := <-events:
		assert.False(t, ok, "subscriber channels close on stop")
	case <-time.After(time.Second):
		t.Fatal("expected the channel to close")
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry(filepath.Join(dir, "task.json"))
	require.NoError(t, registry.Start())
	defer registry.Stop()

	events := registry.Subscribe()
	registry.Unsubscribe(events)

	_, ok := <-events
	assert.False(t, ok, "unsubscribed channels are closed")
}
