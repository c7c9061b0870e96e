package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailagent/internal/config"
	"mailagent/internal/domain"
	"mailagent/internal/storage"
)

func TestBackupRestore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	src, err := storage.Open(filepath.Join(dir, "src.db"), logger)
	require.NoError(t, err)
	require.NoError(t, src.CreateConversation(ctx, domain.Conversation{
		ID: "c1", UserID: "u1", Title: "invoices",
		Turns: []domain.Turn{{Kind: domain.TurnUser, Content: "find invoices", Timestamp: time.Now()}},
	}))
	snap := filepath.Join(dir, archiveDBName)
	require.NoError(t, src.Backup(ctx, snap))
	require.NoError(t, src.Close())

	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	archive := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, createTarGz(archive, []string{other, snap}))

	restored := filepath.Join(dir, "restored", "mailagent.db")
	require.NoError(t, extractDatabase(archive, restored))

	dst, err := storage.Open(restored, logger)
	require.NoError(t, err)
	defer dst.Close()
	conv, err := dst.GetConversation(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "invoices", conv.Title)
}

func TestExtractDatabase_MissingEntry(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0o600))
	archive := filepath.Join(dir, "backup.tar.gz")
	require.NoError(t, createTarGz(archive, []string{other}))

	err := extractDatabase(archive, filepath.Join(dir, "out.db"))
	assert.ErrorContains(t, err, "no mailagent.db")
}

func TestNewLogger_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mailagent.log")
	l, closer, err := newLogger(config.GeneralConfig{LogLevel: "debug", LogFormat: "json", LogFile: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	l.Debug("tee check", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"tee check"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "2.0 KB", humanSize(2048))
	assert.Equal(t, "1.5 MB", humanSize(3*512*1024))
}
