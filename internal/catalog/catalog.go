// Package catalog indexes stopped recording sessions in a sqlite database so
// they can be listed without walking the recording tree.
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/recorder"
)

const slowStatementThreshold = 200 * time.Millisecond

// Session is one catalogued recording session.
type Session struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	SessionID int       `gorm:"uniqueIndex" json:"id"`
	UUID      string    `gorm:"size:36;index" json:"uuid"`
	Directory string    `json:"directory"`
	Started   time.Time `gorm:"index" json:"started"`
	Stopped   time.Time `json:"stopped"`
	Streams   []Stream  `gorm:"constraint:OnDelete:CASCADE" json:"streams"`
}

// Stream holds the per-stream totals of a session.
type Stream struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	SessionID uint      `gorm:"index" json:"-"`
	StreamID  string    `gorm:"index" json:"stream_id"`
	File      string    `json:"file"`
	Written   uint64    `json:"written"`
	Dropped   uint64    `json:"dropped"`
	Failed    uint64    `json:"failed"`
	Masks     uint64    `json:"masks"`
	First     time.Time `json:"first"`
	Last      time.Time `json:"last"`
}

// Catalog is the session index.
type Catalog struct {
	db  *gorm.DB
	log logger.Logger
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(err).
				Component("catalog").
				Category(errors.CategoryFileIO).
				FileContext(dir).
				Build()
		}
	}

	log := GetLogger()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.NewGormAdapter(log, slowStatementThreshold),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Build()
	}
	if err := db.AutoMigrate(&Session{}, &Stream{}); err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryDatabase).
			Context("operation", "migrate").
			Build()
	}
	log.Info("session catalog opened", logger.String("path", path))
	return &Catalog{db: db, log: log}, nil
}

// RecordSession stores a stopped session. Recording the same session id
// twice replaces the earlier row.
func (c *Catalog) RecordSession(ctx context.Context, m *recorder.Manifest, dir string) error {
	if m == nil {
		return errors.Newf("nil manifest").
			Component("catalog").
			Category(errors.CategoryValidation).
			Build()
	}

	row := FromManifest(m, dir)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		res := tx.Where("session_id = ?", m.ID).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			if err := tx.Where("session_id = ?", existing.ID).Delete(&Stream{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return errors.New(err).
			Component("catalog").
			Category(errors.CategoryDatabase).
			Context("operation", "record_session").
			Context("session_id", m.ID).
			Build()
	}

	c.log.Info("session catalogued",
		logger.Int("session_id", m.ID),
		logger.Int("streams", len(m.Streams)))
	return nil
}

// FromManifest converts a session manifest into a catalog row.
func FromManifest(m *recorder.Manifest, dir string) Session {
	row := Session{
		SessionID: m.ID,
		UUID:      m.UUID,
		Directory: dir,
		Started:   m.Started,
		Stopped:   m.Stopped,
	}
	for _, st := range m.Streams {
		row.Streams = append(row.Streams, Stream{
			StreamID: st.StreamID,
			File:     st.File,
			Written:  st.Written,
			Dropped:  st.Dropped,
			Failed:   st.Failed,
			Masks:    st.Masks,
			First:    st.First,
			Last:     st.Last,
		})
	}
	return row
}

// ListSessions returns the most recent sessions first. A non-positive limit
// returns all of them.
func (c *Catalog) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	q := c.db.WithContext(ctx).Preload("Streams").Order("session_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var sessions []Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryDatabase).
			Context("operation", "list_sessions").
			Build()
	}
	return sessions, nil
}

// GetSession returns one session by its numeric id.
func (c *Catalog) GetSession(ctx context.Context, id int) (*Session, error) {
	var s Session
	res := c.db.WithContext(ctx).Preload("Streams").Where("session_id = ?", id).Limit(1).Find(&s)
	if res.Error != nil {
		return nil, errors.New(res.Error).
			Component("catalog").
			Category(errors.CategoryDatabase).
			Context("operation", "get_session").
			Build()
	}
	if res.RowsAffected == 0 {
		return nil, errors.Newf("session %d not found", id).
			Component("catalog").
			Category(errors.CategoryNotFound).
			Build()
	}
	return &s, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
