// Package envelope seals payloads for a single device with AES-256-GCM. The
// device id is bound as additional authenticated data, so an envelope made for
// one device never opens in another device's context.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/haasonsaas/signalpoll/pkg/keys"
)

// NonceSize is the GCM standard nonce length.
const NonceSize = 12

// Algorithm is reported alongside envelopes for clients that negotiate it.
const Algorithm = "AES-256-GCM"

// ErrTamperDetected covers every integrity failure. It deliberately does not
// say which check failed.
var ErrTamperDetected = errors.New("envelope: tamper detected")

// Envelope is the wire form of a sealed payload.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	AAD        string `json:"aad"`
}

// KeySource supplies device keys. *keys.Manager implements it.
type KeySource interface {
	ActiveKey(ctx context.Context, deviceID string) (*keys.DeviceKey, error)
	DecryptionKeys(ctx context.Context, deviceID string) ([]*keys.DeviceKey, error)
	IsExpired(key *keys.DeviceKey) bool
}

type Sealer struct {
	keys  KeySource
	nonce io.Reader
}

func NewSealer(source KeySource) *Sealer {
	return &Sealer{keys: source, nonce: rand.Reader}
}

// Encrypt serializes payload with encoding/json (map keys sorted, so equal
// values give equal bytes) and seals it.
func (s *Sealer) Encrypt(ctx context.Context, deviceID string, payload any) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return s.Seal(ctx, deviceID, plaintext)
}

// Seal encrypts plaintext under the device's active key with a fresh nonce.
func (s *Sealer) Seal(ctx context.Context, deviceID string, plaintext []byte) (*Envelope, error) {
	key, err := s.keys.ActiveKey(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if s.keys.IsExpired(key) {
		return nil, keys.ErrKeyExpired
	}

	gcm, err := newGCM(key.Material)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.nonce, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(deviceID))
	return &Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		AAD:        deviceID,
	}, nil
}

// Open verifies and decrypts env for deviceID. The AAD is compared before any
// key is touched.
func (s *Sealer) Open(ctx context.Context, deviceID string, env *Envelope) ([]byte, error) {
	if env == nil || subtle.ConstantTimeCompare([]byte(env.AAD), []byte(deviceID)) != 1 {
		return nil, ErrTamperDetected
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrTamperDetected
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrTamperDetected
	}

	candidates, err := s.keys.DecryptionKeys(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	expired := 0
	for _, key := range candidates {
		if s.keys.IsExpired(key) {
			expired++
			continue
		}
		gcm, err := newGCM(key.Material)
		if err != nil {
			return nil, err
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(env.AAD))
		if err == nil {
			return plaintext, nil
		}
	}
	if len(candidates) > 0 && expired == len(candidates) {
		return nil, keys.ErrKeyExpired
	}
	return nil, ErrTamperDetected
}

// Decrypt opens env and unmarshals the plaintext into out.
func (s *Sealer) Decrypt(ctx context.Context, deviceID string, env *Envelope, out any) error {
	plaintext, err := s.Open(ctx, deviceID, env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("unmarshal decrypted payload: %w", err)
	}
	return nil
}

func newGCM(material []byte) (cipher.AEAD, error) {
	if len(material) != keys.KeySize {
		return nil, fmt.Errorf("invalid key length: must be %d bytes for AES-256, got %d", keys.KeySize, len(material))
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
