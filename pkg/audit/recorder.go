// Package audit records security-relevant events such as rejected envelopes
// and revoked devices attempting to poll. Details are never echoed to the
// client; they land here instead.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Event kinds.
const (
	KindTamperDetected        = "tamper_detected"
	KindRevokedAccess         = "revoked_access"
	KindExpiredKey            = "expired_key"
	KindAuthFailed            = "auth_failed"
	KindReplayDetected        = "replay_detected"
	KindRevocationChanged     = "revocation_changed"
	KindRevocationUnavailable = "revocation_unavailable"
)

// Event is one security event.
type Event struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Kind      string    `gorm:"index" json:"kind"`
	DeviceID  string    `gorm:"index" json:"device_id"`
	RequestID string    `json:"request_id,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Event) TableName() string { return "security_events" }

type Recorder interface {
	Record(ctx context.Context, e Event)
}

// DBRecorder logs every event and persists it for the admin API. Persistence
// failures are logged only; auditing never fails a request.
type DBRecorder struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewDBRecorder(db *gorm.DB, logger zerolog.Logger) *DBRecorder {
	return &DBRecorder{
		db:     db,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

func (r *DBRecorder) Migrate() error {
	return r.db.AutoMigrate(&Event{})
}

func (r *DBRecorder) Record(ctx context.Context, e Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	r.logger.Warn().
		Str("kind", e.Kind).
		Str("device_id", e.DeviceID).
		Str("request_id", e.RequestID).
		Str("remote_ip", e.RemoteIP).
		Str("detail", e.Detail).
		Msg("security event")
	if err := r.db.WithContext(ctx).Create(&e).Error; err != nil {
		r.logger.Error().Err(err).Str("kind", e.Kind).Msg("failed to persist security event")
	}
}

// Recent returns the newest events first, optionally filtered by device.
func (r *DBRecorder) Recent(ctx context.Context, deviceID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load security events: %w", err)
	}
	return events, nil
}

var _ Recorder = (*DBRecorder)(nil)
