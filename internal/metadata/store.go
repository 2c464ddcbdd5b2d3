package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	"tachyon-core/internal/storage"
)

// Save executes the upsert within a single database transaction and
// returns the post or source id, per §4.C.
func Save(db *storage.DB, platformID string, obj Object) (string, error) {
	var resultID string
	err := db.WithTransaction(func(tx *storage.DB) error {
		switch obj.Kind {
		case KindVideo:
			id, err := saveVideo(tx, platformID, obj.Video, nil)
			if err != nil {
				return err
			}
			resultID = id
			return nil
		case KindPlaylist:
			id, err := savePlaylist(tx, platformID, obj.Playlist)
			if err != nil {
				return err
			}
			resultID = id
			return nil
		default:
			return fmt.Errorf("unknown metadata kind")
		}
	})
	return resultID, err
}

func saveVideo(tx *storage.DB, platformID string, v Video, sourceID *string) (string, error) {
	creatorID, err := upsertCreator(tx, platformID, v)
	if err != nil {
		return "", err
	}
	return upsertPost(tx, v, creatorID, sourceID)
}

func savePlaylist(tx *storage.DB, platformID string, p Playlist) (string, error) {
	sourceID := p.ID

	var creatorID *string
	if p.UploaderID != nil && p.Uploader != nil {
		c := storage.Creator{
			ID:         *p.UploaderID,
			PlatformID: platformID,
			Name:       *p.Uploader,
			URL:        derefOr(p.WebpageURL, ""),
		}
		if err := tx.UpsertCreator(&c); err != nil {
			return "", err
		}
		creatorID = p.UploaderID
	}

	source := storage.Source{
		ID:         sourceID,
		PlatformID: platformID,
		CreatorID:  creatorID,
		SourceType: "PLAYLIST",
		Name:       p.Title,
		URL:        derefOr(p.WebpageURL, ""),
		SyncMode:   "ALL",
		IsActive:   true,
	}
	if err := tx.UpsertSource(&source); err != nil {
		return "", err
	}

	for _, entry := range p.Entries {
		if _, err := saveVideo(tx, platformID, entry, &sourceID); err != nil {
			return "", err
		}
	}

	return sourceID, nil
}

func upsertCreator(tx *storage.DB, platformID string, v Video) (string, error) {
	id := derefOr(v.UploaderID, "unknown")
	name := derefOr(v.Uploader, "Unknown")
	url := derefOr(v.UploaderURL, "")

	c := storage.Creator{ID: id, PlatformID: platformID, Name: name, URL: url}
	if err := tx.UpsertCreator(&c); err != nil {
		return "", err
	}
	return id, nil
}

func upsertPost(tx *storage.DB, v Video, creatorID string, sourceID *string) (string, error) {
	var rawJSON *string
	if len(v.Raw) > 0 {
		s := string(v.Raw)
		rawJSON = &s
	} else if b, err := json.Marshal(v); err == nil {
		s := string(b)
		rawJSON = &s
	}

	title := v.Title
	post := storage.Post{
		ID:          v.ID,
		CreatorID:   creatorID,
		SourceID:    sourceID,
		Title:       &title,
		Description: v.Description,
		OriginalURL: derefOr(v.WebpageURL, ""),
		Status:      "PENDING",
		PostedAt:    parseUploadDate(v.UploadDate),
		RawJSON:     rawJSON,
	}
	if err := tx.UpsertPost(&post); err != nil {
		return "", err
	}
	return v.ID, nil
}

// parseUploadDate parses yt-dlp's YYYYMMDD upload_date field.
func parseUploadDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse("20060102", *s)
	if err != nil {
		return nil
	}
	return &t
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
