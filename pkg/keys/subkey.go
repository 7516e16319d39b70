package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Info strings for secrets derived from the master secret. Each purpose gets
// its own label so the derived secrets are independent.
var InfoDeviceTokens = []byte("signalpoll.device-token.v1")

// DeriveSubkey expands the master secret into a 32-byte secret bound to info
// with HKDF-SHA256. It is used when an operator does not configure a separate
// secret for a purpose.
func DeriveSubkey(masterSecret, info []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, ErrMissingMasterSecret
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
