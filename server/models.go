package main

import (
	"time"

	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/queue"
)

// AckNonce tracks envelope nonces of recent acknowledgements for replay
// detection.
type AckNonce struct {
	ID       uint      `gorm:"primaryKey"`
	DeviceID string    `gorm:"uniqueIndex:device_nonce"`
	Nonce    string    `gorm:"uniqueIndex:device_nonce"`
	SeenAt   time.Time `gorm:"index"`
}

// schema lists every table the server owns.
func schema() []any {
	return []any{&AckNonce{}, &queue.PendingItem{}, &audit.Event{}}
}
