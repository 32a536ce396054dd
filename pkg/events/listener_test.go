package events

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortSocketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are limited to ~100 bytes; t.TempDir can exceed that.
	dir, err := os.MkdirTemp("", "wj")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s")
}

func TestListenerNotifications(t *testing.T) {
	path := shortSocketPath(t)
	q := NewQueue()
	l, err := Listen(path, q, time.Hour, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	require.NoError(t, Notify(path, "job1"))
	e, ok := q.Get(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, Incoming, e.Kind)
	assert.Equal(t, "job1", e.JobName)

	// Garbage is still a wake-up.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, _ = conn.Write([]byte("hello\n"))
	_ = conn.Close()
	e, ok = q.Get(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, Incoming, e.Kind)
	assert.Empty(t, e.JobName)

	cancel()
	require.NoError(t, <-done)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file is removed on close")
}

func TestListenerTimeoutEnqueues(t *testing.T) {
	path := shortSocketPath(t)
	q := NewQueue()
	l, err := Listen(path, q, 10*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Serve(ctx) }()

	e, ok := q.Get(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, Incoming, e.Kind)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := shortSocketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())

	l, err := Listen(path, NewQueue(), time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	regular := path + "x"
	require.NoError(t, os.WriteFile(regular, []byte("x"), 0o600))
	_, err = Listen(regular, NewQueue(), time.Hour, nil)
	assert.Error(t, err)
}
