package metadata

import "encoding/json"

// Video is the describe-mode JSON shape for a single item.
type Video struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	UploadDate  *string `json:"upload_date"`
	Uploader    *string `json:"uploader"`
	UploaderID  *string `json:"uploader_id"`
	UploaderURL *string `json:"uploader_url"`
	WebpageURL  *string `json:"webpage_url"`
	Raw         json.RawMessage `json:"-"`
}

// Playlist is the describe-mode JSON shape for a playlist/channel;
// its Entries are Video records (§4.C: "a Playlist record whose
// entries are Video records").
type Playlist struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Uploader    *string `json:"uploader"`
	UploaderID  *string `json:"uploader_id"`
	WebpageURL  *string `json:"webpage_url"`
	Entries     []Video `json:"entries"`
}

// Kind discriminates the parsed document.
type Kind int

const (
	KindVideo Kind = iota
	KindPlaylist
)

// Object is the sum type §9's "duck-typed metadata" design note calls
// for: Video | Playlist, with an untagged-Video fallback when the
// discriminator field is absent.
type Object struct {
	Kind     Kind
	Video    Video
	Playlist Playlist
}

type discriminator struct {
	Type string `json:"_type"`
}

// Parse decodes a describe-mode JSON document into the sum type,
// falling back to an untagged Video when "_type" is absent.
func Parse(data []byte) (Object, error) {
	var d discriminator
	if err := json.Unmarshal(data, &d); err != nil {
		return Object{}, err
	}

	switch d.Type {
	case "playlist", "multi_video":
		var p Playlist
		if err := json.Unmarshal(data, &p); err != nil {
			return Object{}, err
		}
		return Object{Kind: KindPlaylist, Playlist: p}, nil
	default:
		// "video" discriminator, or no discriminator at all (fallback).
		var v Video
		if err := json.Unmarshal(data, &v); err != nil {
			return Object{}, err
		}
		v.Raw = json.RawMessage(data)
		return Object{Kind: KindVideo, Video: v}, nil
	}
}
