package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyon-core/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRecordMediaChecksumThenVerifyMediaSucceeds(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("media bytes"), 0o600))

	require.NoError(t, RecordMediaChecksum(db, "post1", path, 11, 0))

	rows, err := db.ListMediaForPost("post1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, VerifyMedia(db, rows[0].ID))
}

func TestVerifyMediaFailsOnTamperedFile(t *testing.T) {
	db := newTestDB(t)
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("media bytes"), 0o600))
	require.NoError(t, RecordMediaChecksum(db, "post1", path, 11, 0))

	rows, err := db.ListMediaForPost("post1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("corrupted!!"), 0o600))
	require.Error(t, VerifyMedia(db, rows[0].ID))
}

func TestVerifyMediaReturnsErrNoChecksum(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveMedia(&storage.Media{ID: "m1", PostID: "post1", Path: "/tmp/x"}))

	require.ErrorIs(t, VerifyMedia(db, "m1"), ErrNoChecksum)
}
