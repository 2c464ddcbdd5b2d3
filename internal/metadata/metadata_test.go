package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
	"tachyon-core/internal/storage"
)

func TestParseUntaggedVideoFallback(t *testing.T) {
	obj, err := Parse([]byte(`{"id":"abc123","title":"A Video","uploader_id":"u1","uploader":"Some Uploader"}`))
	require.NoError(t, err)
	require.Equal(t, KindVideo, obj.Kind)
	require.Equal(t, "abc123", obj.Video.ID)
}

func TestParsePlaylistWithVideoEntries(t *testing.T) {
	obj, err := Parse([]byte(`{"_type":"playlist","id":"pl1","title":"My Playlist","entries":[{"id":"v1","title":"One"},{"id":"v2","title":"Two"}]}`))
	require.NoError(t, err)
	require.Equal(t, KindPlaylist, obj.Kind)
	require.Len(t, obj.Playlist.Entries, 2)
}

func TestSaveVideoUpsertIsIdempotent(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	desc1 := "first description"
	v1 := Video{ID: "v1", Title: "Title One", Description: &desc1, UploaderID: strPtr("u1"), Uploader: strPtr("Up")}
	id, err := Save(db, "youtube", Object{Kind: KindVideo, Video: v1})
	require.NoError(t, err)
	require.Equal(t, "v1", id)

	desc2 := "updated description"
	v2 := Video{ID: "v1", Title: "Title Two", Description: &desc2, UploaderID: strPtr("u1"), Uploader: strPtr("Up")}
	_, err = Save(db, "youtube", Object{Kind: KindVideo, Video: v2})
	require.NoError(t, err)

	post, err := db.GetPost("v1")
	require.NoError(t, err)
	require.Equal(t, "Title Two", *post.Title)
	require.Equal(t, "updated description", *post.Description)
}

func TestParseUploadDate(t *testing.T) {
	d := parseUploadDate(strPtr("20230615"))
	require.NotNil(t, d)
	require.Equal(t, 2023, d.Year())
	require.Equal(t, 6, int(d.Month()))
	require.Equal(t, 15, d.Day())
}

func strPtr(s string) *string { return &s }
