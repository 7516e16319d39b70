package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

var ErrNonceReplay = errors.New("nonce replay detected")

// NonceStore provides persistent replay protection using the database.
type NonceStore struct {
	db     *gorm.DB
	window time.Duration
	now    func() time.Time
}

func NewNonceStore(db *gorm.DB, window time.Duration) *NonceStore {
	return &NonceStore{db: db, window: window, now: time.Now}
}

// CheckAndStore records a device nonce, returning ErrNonceReplay if it was
// already seen inside the window.
func (s *NonceStore) CheckAndStore(ctx context.Context, deviceID, nonce string) error {
	if deviceID == "" || nonce == "" {
		return errors.New("missing device or nonce")
	}

	db := s.db.WithContext(ctx)
	now := s.now()
	if err := db.Where("seen_at < ?", now.Add(-s.window)).Delete(&AckNonce{}).Error; err != nil {
		return err
	}

	record := AckNonce{DeviceID: deviceID, Nonce: nonce, SeenAt: now}
	if err := db.Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrNonceReplay
		}
		return err
	}
	return nil
}

// sqlite reports constraint failures as plain errors unless gorm's
// TranslateError is enabled.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
