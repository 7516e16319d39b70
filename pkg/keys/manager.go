package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

var (
	ErrKeyRevoked            = errors.New("keys: device key revoked")
	ErrKeyExpired            = errors.New("keys: device key expired")
	ErrRevocationUnavailable = errors.New("keys: revocation store unavailable")
	ErrMissingDeviceID       = errors.New("keys: missing device id")
)

const (
	DefaultRotationPeriod     = 90 * 24 * time.Hour
	DefaultRevocationCacheTTL = 5 * time.Second
	DefaultKeyCacheSize       = 4096
)

// DeviceKey is one device's key for one rotation period. Material is never
// serialized.
type DeviceKey struct {
	DeviceID    string    `json:"device_id"`
	RotationTag string    `json:"rotation_tag"`
	Material    []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Active      bool      `json:"is_active"`
}

// Config tunes the Manager. Zero values pick the defaults.
type Config struct {
	RotationPeriod     time.Duration
	GracePeriods       int
	RevocationCacheTTL time.Duration
	KeyCacheSize       int
	Now                func() time.Time
}

// Manager owns the device key lifecycle: lookup-or-derive, expiry and
// revocation. Derivation is pure, so the caches here only save work.
type Manager struct {
	deriver     *Deriver
	revocations RevocationStore
	logger      zerolog.Logger

	rotationPeriod time.Duration
	grace          int
	now            func() time.Time

	material *expirable.LRU[string, []byte]
	revoked  *expirable.LRU[string, bool]

	// lastKnown keeps each device's latest store answer with no TTL. It only
	// answers while the store is unreachable.
	lastKnown *expirable.LRU[string, bool]
}

func NewManager(deriver *Deriver, revocations RevocationStore, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.RotationPeriod <= 0 {
		cfg.RotationPeriod = DefaultRotationPeriod
	}
	if cfg.RevocationCacheTTL <= 0 {
		cfg.RevocationCacheTTL = DefaultRevocationCacheTTL
	}
	if cfg.KeyCacheSize <= 0 {
		cfg.KeyCacheSize = DefaultKeyCacheSize
	}
	if cfg.GracePeriods < 0 {
		cfg.GracePeriods = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		deriver:        deriver,
		revocations:    revocations,
		logger:         logger.With().Str("component", "keys").Logger(),
		rotationPeriod: cfg.RotationPeriod,
		grace:          cfg.GracePeriods,
		now:            cfg.Now,
		// Material for a tag stays valid for at most a day plus the grace window.
		material:  expirable.NewLRU[string, []byte](cfg.KeyCacheSize, nil, time.Duration(cfg.GracePeriods+1)*24*time.Hour),
		revoked:   expirable.NewLRU[string, bool](cfg.KeyCacheSize, nil, cfg.RevocationCacheTTL),
		lastKnown: expirable.NewLRU[string, bool](cfg.KeyCacheSize, nil, 0),
	}
}

// ActiveKey returns the key for the current rotation period. Revoked devices
// get ErrKeyRevoked; the denylist is always consulted before a key is handed
// out.
func (m *Manager) ActiveKey(ctx context.Context, deviceID string) (*DeviceKey, error) {
	if err := m.CheckRevoked(ctx, deviceID); err != nil {
		return nil, err
	}
	now := m.now()
	return m.keyFor(deviceID, RotationTag(now), now), nil
}

// DecryptionKeys returns the active key followed by keys for the configured
// number of previous periods, newest first.
func (m *Manager) DecryptionKeys(ctx context.Context, deviceID string) ([]*DeviceKey, error) {
	if err := m.CheckRevoked(ctx, deviceID); err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]*DeviceKey, 0, m.grace+1)
	out = append(out, m.keyFor(deviceID, RotationTag(now), now))
	for _, tag := range PreviousTags(now, m.grace) {
		out = append(out, m.keyFor(deviceID, tag, now))
	}
	return out, nil
}

// IsExpired reports whether the key is past its ExpiresAt, measured from the
// start of the key's rotation period. Callers should ask the device to
// re-register instead of silently deriving a fresh key.
func (m *Manager) IsExpired(key *DeviceKey) bool {
	return m.now().After(key.ExpiresAt)
}

// CheckRevoked consults the cache, then the store. When the store cannot
// answer, the last answer seen for the device is reused past its TTL; a device
// with no known state fails closed with ErrRevocationUnavailable.
func (m *Manager) CheckRevoked(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	if revoked, ok := m.revoked.Get(deviceID); ok {
		if revoked {
			return ErrKeyRevoked
		}
		return nil
	}
	rev, err := m.revocations.Lookup(ctx, deviceID)
	if err != nil {
		stale, known := m.lastKnown.Get(deviceID)
		if !known {
			m.logger.Error().Err(err).Str("device_id", deviceID).Msg("revocation lookup failed")
			return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
		}
		m.logger.Warn().Err(err).Str("device_id", deviceID).Bool("revoked", stale).Msg("revocation lookup failed, using last known state")
		if stale {
			return ErrKeyRevoked
		}
		return nil
	}
	m.remember(deviceID, rev != nil)
	if rev != nil {
		return ErrKeyRevoked
	}
	return nil
}

// Revoke denylists the device until ClearRevocation is called by the
// re-registration flow. Other processes notice within the revocation cache TTL.
func (m *Manager) Revoke(ctx context.Context, deviceID, reason string) error {
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	rev := Revocation{DeviceID: deviceID, Reason: reason, RevokedAt: m.now().UTC()}
	if err := m.revocations.Revoke(ctx, rev); err != nil {
		return err
	}
	m.remember(deviceID, true)
	m.logger.Warn().Str("device_id", deviceID).Str("reason", reason).Msg("device key revoked")
	return nil
}

func (m *Manager) ClearRevocation(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	if err := m.revocations.Clear(ctx, deviceID); err != nil {
		return err
	}
	m.revoked.Remove(deviceID)
	m.lastKnown.Add(deviceID, false)
	m.logger.Info().Str("device_id", deviceID).Msg("device revocation cleared")
	return nil
}

func (m *Manager) remember(deviceID string, revoked bool) {
	m.revoked.Add(deviceID, revoked)
	m.lastKnown.Add(deviceID, revoked)
}

// Revocation returns the stored revocation record, or nil.
func (m *Manager) Revocation(ctx context.Context, deviceID string) (*Revocation, error) {
	return m.revocations.Lookup(ctx, deviceID)
}

func (m *Manager) keyFor(deviceID, tag string, now time.Time) *DeviceKey {
	cacheKey := deviceID + "\x00" + tag
	material, ok := m.material.Get(cacheKey)
	if !ok {
		material = m.deriver.Derive(deviceID, tag)
		m.material.Add(cacheKey, material)
	}
	// A key's lifetime runs from the start of its rotation period, so grace
	// keys older than the rotation period come back expired.
	created, err := time.Parse(rotationTagLayout, tag)
	if err != nil {
		created = now.UTC()
	}
	expires := created.Add(m.rotationPeriod)
	return &DeviceKey{
		DeviceID:    deviceID,
		RotationTag: tag,
		Material:    append([]byte(nil), material...),
		CreatedAt:   created,
		ExpiresAt:   expires,
		Active:      !now.After(expires),
	}
}
