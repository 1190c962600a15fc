package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendsToInMemoryRing(t *testing.T) {
	l, err := New("")
	require.NoError(t, err)
	defer l.Close()

	l.Info("connected", map[string]any{"server": "db1"})
	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, LevelInfo, entries[0].Level)
	assert.Equal(t, "connected", entries[0].Message)
}

func TestRingBufferTrimsToMaxEntries(t *testing.T) {
	l, err := New("")
	require.NoError(t, err)
	defer l.Close()
	l.maxEntries = 3

	for i := 0; i < 5; i++ {
		l.Info("msg", nil)
	}
	assert.Len(t, l.Entries(), 3)
}

func TestSecretPatternRedactsBearerTokens(t *testing.T) {
	l, err := New("")
	require.NoError(t, err)
	defer l.Close()

	l.Warn("auth header: Bearer abc123xyz", nil)
	entries := l.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "REDACTED")
	assert.NotContains(t, entries[0].Message, "abc123xyz")
}

func TestSubscribeReceivesEntriesUntilUnsubscribe(t *testing.T) {
	l, err := New("")
	require.NoError(t, err)
	defer l.Close()

	ch := l.Subscribe()
	l.Info("hello", nil)

	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	l.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestNewWithDirPersistsToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)

	l.Info("persisted", map[string]any{"k": "v"})
	l.Close()

	assert.NotEmpty(t, l.filePath)
	assert.Contains(t, l.filePath, filepath.Clean(dir))

	data, err := os.ReadFile(l.filePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")
}
