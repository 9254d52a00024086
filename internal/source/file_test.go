package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/memorybridge/internal/capture"
)

const pageHTML = `<html><body>
<div class="message user"><div data-testid="message-0">Hello from the snapshot</div></div>
</body></html>`

func TestFileSourceSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.html")
	require.NoError(t, os.WriteFile(path, []byte(pageHTML), 0o600))

	src, err := NewFileSource(path)
	require.NoError(t, err)
	defer src.Close()

	doc, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	sels, err := capture.ParseSelectors(capture.DefaultSelectors)
	require.NoError(t, err)
	nodes := doc.Messages(sels)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Hello from the snapshot", capture.Text(nodes[0]))
}

func TestFileSourceSnapshotMissingFile(t *testing.T) {
	src, err := NewFileSource(filepath.Join(t.TempDir(), "absent.html"))
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestFileSourceSignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.html")
	require.NoError(t, os.WriteFile(path, []byte(pageHTML), 0o600))

	src, err := NewFileSource(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.html"), []byte("x"), 0o600))
	select {
	case <-src.Mutations():
		t.Fatal("unexpected signal for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(pageHTML+"<!-- more -->"), 0o600))
	select {
	case <-src.Mutations():
	case <-time.After(3 * time.Second):
		t.Fatal("no mutation signal after writing the snapshot")
	}

	cancel()
	require.NoError(t, <-done)
}
