package integrity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tachyon-core/internal/storage"
)

// RecordMediaChecksum computes the SHA-256 of the file at path and
// persists a Media row for it under postID, implementing the opt-in
// verify_checksums setting described in the persistence schema's
// (media.checksum) index.
func RecordMediaChecksum(db *storage.DB, postID, path string, size int64, orderIndex int) error {
	sum, err := CalculateHash(path, "sha256")
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	media := storage.Media{
		ID:         uuid.NewString(),
		PostID:     postID,
		OrderIndex: orderIndex,
		Path:       path,
		Checksum:   &sum,
		Size:       size,
	}
	return db.SaveMedia(&media)
}

// ErrNoChecksum is returned by VerifyMedia when the Media row predates
// the verify_checksums setting being enabled, so there is nothing on
// record to compare against.
var ErrNoChecksum = errors.New("media row has no recorded checksum")

// VerifyMedia re-hashes the on-disk file for mediaID and compares it
// against the checksum recorded at download time, catching corruption
// or truncation introduced after the fact (disk errors, an interrupted
// copy onto removable media, and similar).
func VerifyMedia(db *storage.DB, mediaID string) error {
	media, err := db.GetMedia(mediaID)
	if err != nil {
		return fmt.Errorf("load media %s: %w", mediaID, err)
	}
	if media.Checksum == nil || *media.Checksum == "" {
		return ErrNoChecksum
	}
	return NewFileVerifier().Verify(media.Path, "sha256", *media.Checksum)
}
