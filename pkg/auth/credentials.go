package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Credentials is what a device keeps on disk: its id and the token minted for
// it by an operator.
type Credentials struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

// Save stores the credentials with 0600 permissions.
func (c *Credentials) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadCredentials reads credentials written by Save.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.DeviceID == "" || c.Token == "" {
		return nil, errors.New("credentials file is missing device_id or token")
	}
	return &c, nil
}
