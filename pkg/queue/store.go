// Package queue is the default pending-items source: opaque JSON items queued
// per device in a gorm database until the device acknowledges them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/signalpoll/pkg/poll"
	"gorm.io/gorm"
)

var (
	ErrMissingDevice  = errors.New("queue: device id is required")
	ErrInvalidPayload = errors.New("queue: payload must be valid JSON")
)

// PendingItem is one queued item. Seq gives delivery order; ItemID is what
// devices see and acknowledge.
type PendingItem struct {
	Seq       uint       `gorm:"primaryKey" json:"-"`
	ItemID    string     `gorm:"uniqueIndex" json:"id"`
	DeviceID  string     `gorm:"index:device_pending" json:"device_id"`
	Payload   string     `gorm:"type:text" json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
	AckedAt   *time.Time `gorm:"index:device_pending" json:"acked_at,omitempty"`
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&PendingItem{})
}

// Enqueue appends an item to the device's queue.
func (s *Store) Enqueue(ctx context.Context, deviceID string, payload json.RawMessage) (*PendingItem, error) {
	if deviceID == "" {
		return nil, ErrMissingDevice
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	item := PendingItem{
		ItemID:    uuid.NewString(),
		DeviceID:  deviceID,
		Payload:   string(payload),
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, fmt.Errorf("enqueue item: %w", err)
	}
	return &item, nil
}

// Pending returns unacknowledged items oldest first.
func (s *Store) Pending(ctx context.Context, deviceID string, limit int) ([]poll.Item, error) {
	var rows []PendingItem
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND acked_at IS NULL", deviceID).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load pending items: %w", err)
	}
	items := make([]poll.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, poll.Item{ID: row.ItemID, Payload: json.RawMessage(row.Payload)})
	}
	return items, nil
}

// Acknowledge marks items delivered. Ids belonging to another device or
// already acknowledged are ignored; the count of newly acknowledged items is
// returned.
func (s *Store) Acknowledge(ctx context.Context, deviceID string, itemIDs []string) (int64, error) {
	if deviceID == "" {
		return 0, ErrMissingDevice
	}
	if len(itemIDs) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&PendingItem{}).
		Where("device_id = ? AND item_id IN ? AND acked_at IS NULL", deviceID, itemIDs).
		Update("acked_at", s.now().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("acknowledge items: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns a device's items for the admin API, newest last.
func (s *Store) List(ctx context.Context, deviceID string, includeAcked bool) ([]PendingItem, error) {
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !includeAcked {
		q = q.Where("acked_at IS NULL")
	}
	var rows []PendingItem
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return rows, nil
}

var _ poll.ItemSource = (*Store)(nil)
