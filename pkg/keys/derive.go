package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the length of derived key material (AES-256).
	KeySize = 32

	// MinIterations is the lowest PBKDF2 work factor accepted.
	MinIterations = 100_000

	// MinSecretSize is the shortest master secret accepted at startup.
	MinSecretSize = 16

	rotationTagLayout = "2006-01-02"
	saltDomain        = "signalpoll.device-key.v1"
)

var (
	ErrMissingMasterSecret = errors.New("keys: master secret is not configured")
	ErrWeakMasterSecret    = errors.New("keys: master secret is shorter than 16 bytes")
	ErrIterationsTooLow    = errors.New("keys: kdf iterations below 100000")
)

// Deriver turns the master secret into per-device, per-period key material.
// Derive is a pure function of (secret, deviceID, rotationTag), so keys never
// need to be stored.
type Deriver struct {
	secret     []byte
	iterations int
}

// NewDeriver validates the master secret and work factor. It is meant to be
// called once at process start so misconfiguration is fatal there.
func NewDeriver(secret []byte, iterations int) (*Deriver, error) {
	if len(secret) == 0 {
		return nil, ErrMissingMasterSecret
	}
	if len(secret) < MinSecretSize {
		return nil, ErrWeakMasterSecret
	}
	if iterations == 0 {
		iterations = MinIterations
	}
	if iterations < MinIterations {
		return nil, ErrIterationsTooLow
	}
	return &Deriver{secret: append([]byte(nil), secret...), iterations: iterations}, nil
}

// Derive returns the 32-byte key for deviceID in the rotation period named by tag.
func (d *Deriver) Derive(deviceID, rotationTag string) []byte {
	return pbkdf2.Key(d.secret, salt(deviceID, rotationTag), d.iterations, KeySize, sha256.New)
}

// salt is length-prefixed so ("ab","c") and ("a","bc") never collide.
func salt(deviceID, rotationTag string) []byte {
	out := make([]byte, 0, len(saltDomain)+4+len(deviceID)+len(rotationTag))
	out = append(out, saltDomain...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(deviceID)))
	out = append(out, deviceID...)
	out = append(out, rotationTag...)
	return out
}

// RotationTag names the daily rotation bucket containing t.
func RotationTag(t time.Time) string {
	return t.UTC().Format(rotationTagLayout)
}

// PreviousTags returns the n rotation tags preceding the one containing t,
// newest first.
func PreviousTags(t time.Time, n int) []string {
	tags := make([]string, 0, n)
	day := t.UTC()
	for i := 0; i < n; i++ {
		day = day.AddDate(0, 0, -1)
		tags = append(tags, RotationTag(day))
	}
	return tags
}
