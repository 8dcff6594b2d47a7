package wsconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events chan string
}

func (r *recordingPublisher) Publish(topic, resourceType, resourceID string, payload any) {
	r.events <- topic
}

func TestWatcherPublishesOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ralph.yml"), []byte("backend: claude\n"), 0o644))

	d := NewDomain(dir)
	w, err := NewWatcher(d, nil)
	require.NoError(t, err)
	defer w.Stop()

	pub := &recordingPublisher{events: make(chan string, 4)}
	w.Start(pub)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ralph.yml"), []byte("backend: codex\n"), 0o644))

	select {
	case topic := <-pub.events:
		assert.Equal(t, "config.updated", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a config.updated publish after external write")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ralph.yml"), []byte("backend: claude\n"), 0o644))

	d := NewDomain(dir)
	w, err := NewWatcher(d, nil)
	require.NoError(t, err)
	defer w.Stop()

	pub := &recordingPublisher{events: make(chan string, 4)}
	w.Start(pub)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("noise"), 0o644))

	select {
	case topic := <-pub.events:
		t.Fatalf("expected no publish for unrelated file, got %q", topic)
	case <-time.After(300 * time.Millisecond):
	}
}
