// Package storage owns the relational persistence layer: task, session,
// and metadata entities, plus the column-level CAS updates the
// scheduler and worker rely on to avoid read-modify-write races.
package storage

import "time"

// TaskStatus is the closed set of states a Task may occupy.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "QUEUED"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusPaused     TaskStatus = "PAUSED"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusCancelled  TaskStatus = "CANCELLED"
	StatusFailed     TaskStatus = "FAILED"
)

// SessionStatus is the closed set of states a platform Session may occupy.
type SessionStatus string

const (
	SessionNone    SessionStatus = "NONE"
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
)

// Task is a single, persistently tracked unit of download work addressed
// to the external downloader.
type Task struct {
	ID               string `gorm:"primaryKey"`
	URL              string `gorm:"not null"`
	PostID           *string
	Status           TaskStatus `gorm:"index:idx_tasks_status_priority,priority:1"`
	Priority         int        `gorm:"index:idx_tasks_status_priority,priority:2;not null;default:0"`
	Progress         float64
	Speed            *string
	ETA              *string
	ErrorMessage     *string
	Retries          int `gorm:"not null;default:0"`
	MaxRetries       int `gorm:"not null;default:3"`
	FormatSelection  *string
	CreatedAt        time.Time `gorm:"index:idx_tasks_created_at;autoCreateTime"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DownloadedBytes  *int64
	TotalBytes       *int64
	OutputDir        string
	LastKnownPath    *string
}

func (Task) TableName() string { return "download_tasks" }

// Session is one row per platform, keyed by platform_id.
type Session struct {
	PlatformID        string `gorm:"primaryKey;column:platform_id"`
	Status            SessionStatus
	EncryptedCookies  []byte
	CookieMethod      string
	ExpiresAt         *time.Time
	LastVerified      *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

func (Session) TableName() string { return "sessions" }

// Creator is the uploader/channel owner of one or more Posts.
type Creator struct {
	ID         string `gorm:"primaryKey"`
	PlatformID string
	Name       string
	URL        string
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// Source is a playlist or channel grouping multiple Posts.
type Source struct {
	ID         string `gorm:"primaryKey"`
	PlatformID string
	CreatorID  *string
	SourceType string
	Name       string
	URL        string
	SyncMode   string
	IsActive   bool
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// Post is the normalized result of one piece of metadata ingestion.
type Post struct {
	ID           string `gorm:"primaryKey"`
	CreatorID    string `gorm:"index"`
	SourceID     *string
	Title        *string
	Description  *string
	OriginalURL  string
	Status       string     `gorm:"index:idx_posts_status"`
	PostedAt     *time.Time `gorm:"index:idx_posts_posted_at"`
	RawJSON      *string
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
	DeletedAt    *time.Time `gorm:"index:idx_posts_deleted_at"`
}

// Media is one downloaded artefact belonging to a Post.
type Media struct {
	ID         string `gorm:"primaryKey"`
	PostID     string `gorm:"index:idx_media_post_order,priority:1"`
	OrderIndex int    `gorm:"index:idx_media_post_order,priority:2"`
	Path       string
	Checksum   *string `gorm:"index:idx_media_checksum"`
	Size       int64
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
	DeletedAt  *time.Time
}

// Setting is a flat key -> value string row backing the core's
// configuration surface (max_concurrent_downloads, download_path, ...).
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (Setting) TableName() string { return "settings" }
