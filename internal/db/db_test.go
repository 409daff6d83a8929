package db

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/cloudsync/internal/config"
)

// openTestDB connects to CLOUDSYNC_TEST_DATABASE_URL and migrates a throwaway schema
func openTestDB(t *testing.T) *DB {
	t.Helper()
	raw := os.Getenv("CLOUDSYNC_TEST_DATABASE_URL")
	if raw == "" {
		t.Skip("CLOUDSYNC_TEST_DATABASE_URL not set")
	}

	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		port = 5432
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	cfg := &config.DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: filepath.Base(u.Path),
		SSLMode:  sslMode,
		Schema:   config.SanitizeIdentifier(fmt.Sprintf("test_%s", uuid.NewString()[:8])),
	}

	ctx := context.Background()
	database, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(ctx))

	t.Cleanup(func() {
		_, _ = database.Pool.Exec(context.Background(), "DROP SCHEMA "+cfg.Schema+" CASCADE")
		database.Close()
	})
	return database
}

func TestFiles_UpsertPreservesSyncState(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	f := &File{Account: "work", RemotePath: "/Docs/a.txt", SizeBytes: 10}
	require.NoError(t, database.UpsertFile(ctx, f))
	require.NotEqual(t, uuid.Nil, f.ID)
	assert.Equal(t, "/Docs", f.ParentPath)

	syncedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, database.MarkSynced(ctx, f.ID, "e1", "/home/u/Docs/a.txt", syncedAt))

	again := &File{Account: "work", RemotePath: "/Docs/a.txt", SizeBytes: 20, Etag: "ignored"}
	require.NoError(t, database.UpsertFile(ctx, again))
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, "e1", again.Etag)

	got, err := database.GetFileByRemotePath(ctx, "work", "", "/Docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.SizeBytes)
	require.NotNil(t, got.LocalPath)
	assert.Equal(t, "/home/u/Docs/a.txt", *got.LocalPath)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, syncedAt.Equal(*got.LastSyncAt))

	byLocal, err := database.GetFileByLocalPath(ctx, "/home/u/Docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, f.ID, byLocal.ID)

	_, err = database.GetFileByRemotePath(ctx, "work", "other-space", "/Docs/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFiles_DeleteAndPurge(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0644))

	f := &File{Account: "work", RemotePath: "/b.txt", LocalPath: &local}
	require.NoError(t, database.UpsertFile(ctx, f))
	require.NoError(t, database.DeleteFiles(ctx, []*File{f}, true))

	_, err := database.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))
}

func TestFiles_ReplaceFolderChildren(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	for _, p := range []string{"/Docs/keep.txt", "/Docs/gone.txt", "/Docs/old/inner.txt"} {
		require.NoError(t, database.UpsertFile(ctx, &File{Account: "work", RemotePath: p}))
	}
	require.NoError(t, database.UpsertFile(ctx, &File{Account: "work", RemotePath: "/Docs/old", IsDir: true}))

	err := database.ReplaceFolderChildren(ctx, "work", "", "/Docs", []File{
		{RemotePath: "/Docs/keep.txt", SizeBytes: 5},
		{RemotePath: "/Docs/new.txt", SizeBytes: 7},
	})
	require.NoError(t, err)

	files, err := database.ListFiles(ctx, "work")
	require.NoError(t, err)
	var paths []string
	for _, f := range files {
		paths = append(paths, f.RemotePath)
	}
	assert.Equal(t, []string{"/Docs/keep.txt", "/Docs/new.txt"}, paths)
}

func TestTransfers_TusStateIsAllOrNothing(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	tr := &Transfer{Account: "work", Kind: KindUpload, LocalPath: "/tmp/big.bin", RemotePath: "/big.bin", SizeBytes: 100}
	require.NoError(t, database.SaveTransfer(ctx, tr))

	got, err := database.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Nil(t, got.Tus)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, database.UpdateTusState(ctx, tr.ID, &TusState{
		UploadURL: "https://cloud/uploads/1", Length: 100, Metadata: "filename YQ==",
		Checksum: "SHA1:00", Version: "1.0.0", ExpiresAt: &expires, Concat: "partial",
	}))
	require.NoError(t, database.UpdateTusOffset(ctx, tr.ID, 40, nil))

	got, err = database.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Tus)
	assert.Equal(t, int64(40), got.Tus.Offset)
	assert.Equal(t, "https://cloud/uploads/1", got.Tus.UploadURL)
	assert.Equal(t, "partial", got.Tus.Concat)
	require.NotNil(t, got.Tus.ExpiresAt)
	assert.True(t, expires.Equal(*got.Tus.ExpiresAt))

	resumable, err := database.ListResumableUploads(ctx, "work")
	require.NoError(t, err)
	require.Len(t, resumable, 1)

	require.NoError(t, database.UpdateTransferStatus(ctx, tr.ID, StatusSucceeded, "OK", ""))
	require.NoError(t, database.ClearTusState(ctx, tr.ID))

	got, err = database.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Tus)
	assert.ErrorIs(t, database.UpdateTusOffset(ctx, tr.ID, 50, nil), ErrNotFound)

	resumable, err = database.ListResumableUploads(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, resumable)
}

func TestTransfers_ListByStatus(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	a := &Transfer{Account: "work", Kind: KindDownload, LocalPath: "/l/a", RemotePath: "/a"}
	b := &Transfer{Account: "work", Kind: KindDownload, LocalPath: "/l/b", RemotePath: "/b", Status: StatusFailed}
	require.NoError(t, database.SaveTransfer(ctx, a))
	require.NoError(t, database.SaveTransfer(ctx, b))

	failed, err := database.ListTransfers(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)

	all, err := database.ListTransfers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status, err := database.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.TransfersByStatus[StatusQueued])
	assert.Equal(t, 1, status.TransfersByStatus[StatusFailed])
}

func TestParentOf(t *testing.T) {
	tests := map[string]string{
		"/a.txt":       "/",
		"/Docs/a.txt":  "/Docs",
		"Docs/x/y.txt": "/Docs/x",
		"/":            "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, ParentOf(in), in)
	}
}

func TestStoredTime(t *testing.T) {
	local := time.FixedZone("CEST", 2*60*60)
	in := time.Date(2026, 10, 13, 12, 0, 0, 123456789, local)

	got := StoredTime(in)
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, 123456000, got.Nanosecond())
	assert.True(t, got.Equal(in.Truncate(time.Microsecond)))
}
