package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB wraps the GORM handle with the column-level CAS helpers the
// scheduler and worker require; no caller outside this package reads
// a Task row and writes it back wholesale.
type DB struct {
	conn *gorm.DB
	path string
}

// Open creates (if needed) the application data directory and opens
// the relational store, applying schema migrations.
func Open(dataDir string) (*DB, error) {
	if dataDir == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user config dir: %w", err)
		}
		dataDir = filepath.Join(cfgDir, "Tachyon")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tachyon.db")
	conn, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{conn: conn, path: dbPath}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenInMemory opens an in-memory database for tests; migrations are
// applied identically to the production path.
func OpenInMemory() (*DB, error) {
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	d := &DB{conn: conn, path: ":memory:"}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// migrate is append-only: new fields/indexes are added via AutoMigrate,
// never dropped, matching the append-only migration contract of §4.F.
func (d *DB) migrate() error {
	return d.conn.AutoMigrate(&Task{}, &Session{}, &Creator{}, &Source{}, &Post{}, &Media{}, &Setting{})
}

func (d *DB) Path() string { return d.path }

func (d *DB) Close() error {
	sqlDB, err := d.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ErrNoRows is returned when a lookup finds nothing.
var ErrNoRows = errors.New("storage: no such row")

// --- Task operations -------------------------------------------------

func (d *DB) CreateTask(t *Task) error {
	return d.conn.Create(t).Error
}

func (d *DB) GetTask(id string) (*Task, error) {
	var t Task
	if err := d.conn.First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRows
		}
		return nil, err
	}
	return &t, nil
}

func (d *DB) ListTasks() ([]Task, error) {
	var tasks []Task
	err := d.conn.Order("priority DESC, created_at ASC").Find(&tasks).Error
	return tasks, err
}

// NextQueuedTask returns the highest-priority, oldest QUEUED task, or
// ErrNoRows if none is eligible. This is the exact ordering §4.E/§8
// require: priority DESC, created_at ASC.
func (d *DB) NextQueuedTask() (*Task, error) {
	var t Task
	err := d.conn.
		Where("status = ?", StatusQueued).
		Order("priority DESC, created_at ASC").
		Limit(1).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRows
		}
		return nil, err
	}
	return &t, nil
}

// ClaimTask performs the scheduler's CAS transition QUEUED->PROCESSING.
// started_at is only filled in when still null, so a task re-claimed
// after a pause/resume cycle keeps the timestamp from its very first
// attempt rather than restarting its age.
// Returns true if this call won the race.
func (d *DB) ClaimTask(id string) (bool, error) {
	now := time.Now()
	res := d.conn.Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]interface{}{
			"status":     StatusProcessing,
			"started_at": gorm.Expr("COALESCE(started_at, ?)", now),
		})
	return res.RowsAffected > 0, res.Error
}

// SetPostID links a fetched Post to the task without disturbing any
// other column.
func (d *DB) SetPostID(id, postID string) error {
	return d.conn.Model(&Task{}).Where("id = ?", id).Update("post_id", postID).Error
}

// UpdateProgress is a best-effort, column-level write on the hot path
// (§7: a failed column update here is logged and swallowed by the
// caller, never fatal). It never overwrites a known byte count with
// null, per §4.D point 6.
func (d *DB) UpdateProgress(id string, progress float64, speed, eta *string, downloaded, total *int64) error {
	updates := map[string]interface{}{"progress": progress}
	if speed != nil {
		updates["speed"] = *speed
	}
	if eta != nil {
		updates["eta"] = *eta
	}
	if downloaded != nil {
		updates["downloaded_bytes"] = *downloaded
	}
	if total != nil {
		updates["total_bytes"] = *total
	}
	return d.conn.Model(&Task{}).Where("id = ?", id).Updates(updates).Error
}

func (d *DB) SetLastKnownPath(id, path string) error {
	return d.conn.Model(&Task{}).Where("id = ?", id).Update("last_known_path", path).Error
}

// CompleteTask marks the terminal COMPLETED state (§4.E on Ok branch).
func (d *DB) CompleteTask(id string, downloaded, total int64) error {
	now := time.Now()
	return d.conn.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":           StatusCompleted,
		"progress":         100.0,
		"completed_at":     now,
		"downloaded_bytes": downloaded,
		"total_bytes":      total,
		"speed":            nil,
		"eta":              nil,
		"error_message":    nil,
	}).Error
}

// RequeueForRetry transitions a FAILED attempt back to QUEUED with an
// incremented retry counter (§4.E Err(Failed) retry branch).
func (d *DB) RequeueForRetry(id string, newRetries int, message string) error {
	return d.conn.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        StatusQueued,
		"retries":       newRetries,
		"error_message": message,
	}).Error
}

// FailTask marks the terminal FAILED state after retries are exhausted.
func (d *DB) FailTask(id string, newRetries int, message string) error {
	return d.conn.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        StatusFailed,
		"retries":       newRetries,
		"error_message": message,
	}).Error
}

// ClearPauseTransientFields implements the pause branch of §4.E's
// pause-vs-cancel disambiguation: conditional on the row still being
// PAUSED, clear the transient fields and nothing else.
func (d *DB) ClearPauseTransientFields(id string) (bool, error) {
	res := d.conn.Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusPaused).
		Updates(map[string]interface{}{"speed": nil, "eta": nil, "error_message": nil})
	return res.RowsAffected > 0, res.Error
}

// CancelTask implements the cancel branch: transition to CANCELLED from
// PROCESSING (the scheduler's read-back path), from QUEUED (a task the
// API layer cancels before a worker ever claimed it, per §4.E's "caller
// updates the persisted row directly" fallback), or a no-op if already
// CANCELLED.
func (d *DB) CancelTask(id string) error {
	return d.conn.Model(&Task{}).
		Where("id = ? AND status IN ?", id, []TaskStatus{StatusQueued, StatusProcessing, StatusCancelled}).
		Update("status", StatusCancelled).Error
}

// MarkPaused is used by the IPC/API layer to record user intent before
// firing cancellation, per §4.E's pause-vs-cancel contract. Only legal
// from QUEUED or PROCESSING.
func (d *DB) MarkPaused(id string) (bool, error) {
	res := d.conn.Model(&Task{}).
		Where("id = ? AND status IN ?", id, []TaskStatus{StatusQueued, StatusProcessing}).
		Update("status", StatusPaused)
	return res.RowsAffected > 0, res.Error
}

// ResumeTask transitions PAUSED back to QUEUED so the scheduler picks
// it up again. Only legal from PAUSED.
func (d *DB) ResumeTask(id string) (bool, error) {
	res := d.conn.Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusPaused).
		Update("status", StatusQueued)
	return res.RowsAffected > 0, res.Error
}

// RetryTask resets a terminal FAILED/CANCELLED task back to QUEUED
// with retries reset to 0, per §3's lifecycle note.
func (d *DB) RetryTask(id string) (bool, error) {
	res := d.conn.Model(&Task{}).
		Where("id = ? AND status IN ?", id, []TaskStatus{StatusFailed, StatusCancelled}).
		Updates(map[string]interface{}{"status": StatusQueued, "retries": 0, "error_message": nil})
	return res.RowsAffected > 0, res.Error
}

func (d *DB) SetPriority(id string, priority int) error {
	return d.conn.Model(&Task{}).Where("id = ?", id).Update("priority", priority).Error
}

// RecoverStaleProcessing resets every row still PROCESSING at startup
// back to QUEUED (§4.E crash recovery, §8 crash-recovery property).
// Returns the number of rows recovered.
func (d *DB) RecoverStaleProcessing() (int64, error) {
	res := d.conn.Model(&Task{}).
		Where("status = ?", StatusProcessing).
		Update("status", StatusQueued)
	return res.RowsAffected, res.Error
}

// --- Session operations ------------------------------------------------

func (d *DB) UpsertSession(platformID string, encrypted []byte, method string) error {
	now := time.Now()
	s := Session{
		PlatformID:       platformID,
		Status:           SessionActive,
		EncryptedCookies: encrypted,
		CookieMethod:     method,
		UpdatedAt:        now,
	}
	return d.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "encrypted_cookies", "cookie_method", "updated_at"}),
	}).Create(&s).Error
}

func (d *DB) GetSession(platformID string) (*Session, error) {
	var s Session
	if err := d.conn.First(&s, "platform_id = ?", platformID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRows
		}
		return nil, err
	}
	return &s, nil
}

func (d *DB) DeleteSession(platformID string) error {
	return d.conn.Model(&Session{}).
		Where("platform_id = ?", platformID).
		Updates(map[string]interface{}{"status": SessionNone, "encrypted_cookies": nil}).Error
}

func (d *DB) ListSessions() ([]Session, error) {
	var sessions []Session
	err := d.conn.Find(&sessions).Error
	return sessions, err
}

// --- Metadata upserts (§4.C) -------------------------------------------

// UpsertCreator keyed by natural id; name/url updated on conflict.
func (d *DB) UpsertCreator(c *Creator) error {
	return d.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "url"}),
	}).Create(c).Error
}

// UpsertSource keyed by natural id; name/url updated on conflict.
func (d *DB) UpsertSource(s *Source) error {
	return d.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "url"}),
	}).Create(s).Error
}

// UpsertPost keyed by natural id; title/description/raw_json/source_id
// updated on conflict, exactly as §4.C specifies.
func (d *DB) UpsertPost(p *Post) error {
	return d.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "description", "raw_json", "source_id"}),
	}).Create(p).Error
}

// GetPost looks up a Post by its natural id.
func (d *DB) GetPost(id string) (*Post, error) {
	var p Post
	if err := d.conn.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRows
		}
		return nil, err
	}
	return &p, nil
}

// WithTransaction runs fn inside a single DB transaction, rolling back
// on any error it returns (§4.C failure semantics).
func (d *DB) WithTransaction(fn func(tx *DB) error) error {
	return d.conn.Transaction(func(gtx *gorm.DB) error {
		return fn(&DB{conn: gtx, path: d.path})
	})
}

func (d *DB) SaveMedia(m *Media) error {
	return d.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"checksum", "size"}),
	}).Create(m).Error
}

// GetMedia loads a single Media row by id.
func (d *DB) GetMedia(id string) (*Media, error) {
	var m Media
	if err := d.conn.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoRows
		}
		return nil, err
	}
	return &m, nil
}

// ListMediaForPost returns every Media row attached to postID, ordered
// by its position within the post.
func (d *DB) ListMediaForPost(postID string) ([]Media, error) {
	var rows []Media
	err := d.conn.Where("post_id = ?", postID).Order("order_index asc").Find(&rows).Error
	return rows, err
}

// --- Settings ------------------------------------------------------------

func (d *DB) GetSetting(key, fallback string) string {
	var s Setting
	if err := d.conn.First(&s, "key = ?", key).Error; err != nil {
		return fallback
	}
	return s.Value
}

func (d *DB) SetSetting(key, value string) error {
	s := Setting{Key: key, Value: value}
	return d.conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&s).Error
}
