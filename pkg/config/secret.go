package config

import (
	"encoding/hex"
	"os"
	"strings"
)

// ReadSecret resolves a secret given inline or through a file. Values that
// are valid hex of at least 32 characters are decoded; anything else is used
// as raw bytes.
func ReadSecret(inline, file string) ([]byte, error) {
	value := inline
	if value == "" && file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		value = string(data)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if len(value) >= 32 && len(value)%2 == 0 {
		if decoded, err := hex.DecodeString(value); err == nil {
			return decoded, nil
		}
	}
	return []byte(value), nil
}

// LoadMasterSecret resolves the key derivation secret.
func (k KeysConfig) LoadMasterSecret() ([]byte, error) {
	return ReadSecret(k.MasterSecret, k.MasterSecretFile)
}
