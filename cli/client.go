package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/signalpoll/pkg/audit"
	"github.com/haasonsaas/signalpoll/pkg/backoff"
	"github.com/haasonsaas/signalpoll/pkg/keys"
	"github.com/spf13/cobra"
)

const maxPayloadBytes = 64 << 10

type adminClient struct {
	base  string
	token string
	http  *http.Client
}

type revocationStatus struct {
	DeviceID   string           `json:"device_id"`
	Revoked    bool             `json:"revoked"`
	Revocation *keys.Revocation `json:"revocation"`
}

type backoffStatus struct {
	DeviceID            string          `json:"device_id"`
	NextIntervalSeconds int             `json:"next_interval_s"`
	ConsecutiveEmpty    int             `json:"consecutive_empty"`
	History             []backoff.Entry `json:"history"`
	HistoryAvailable    bool            `json:"history_available"`
}

type queuedItem struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	CreatedAt time.Time  `json:"created_at"`
	AckedAt   *time.Time `json:"acked_at"`
}

func newClient() *adminClient {
	return &adminClient{
		base:  strings.TrimRight(serverURL, "/"),
		token: adminToken,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func devicePath(deviceID, suffix string) string {
	return "/v1/admin/devices/" + url.PathEscape(deviceID) + suffix
}

func (c *adminClient) revocation(deviceID string) (*revocationStatus, error) {
	var out revocationStatus
	return &out, c.do(http.MethodGet, devicePath(deviceID, "/revoke"), nil, &out)
}

func (c *adminClient) revoke(deviceID, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, devicePath(deviceID, "/revoke"), body, nil)
}

func (c *adminClient) clearRevocation(deviceID string) error {
	return c.do(http.MethodDelete, devicePath(deviceID, "/revoke"), nil, nil)
}

func (c *adminClient) backoff(deviceID string) (*backoffStatus, error) {
	var out backoffStatus
	return &out, c.do(http.MethodGet, devicePath(deviceID, "/backoff"), nil, &out)
}

func (c *adminClient) enqueue(deviceID string, payload []byte) (*queuedItem, error) {
	var out queuedItem
	return &out, c.do(http.MethodPost, devicePath(deviceID, "/items"), payload, &out)
}

func (c *adminClient) items(deviceID string, all bool) ([]queuedItem, error) {
	path := devicePath(deviceID, "/items")
	if all {
		path += "?all=true"
	}
	var out []queuedItem
	return out, c.do(http.MethodGet, path, nil, &out)
}

func (c *adminClient) mintToken(deviceID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(http.MethodPost, devicePath(deviceID, "/token"), nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *adminClient) events(deviceID string, limit int) ([]audit.Event, error) {
	q := url.Values{}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/admin/security-events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []audit.Event
	return out, c.do(http.MethodGet, path, nil, &out)
}

func (c *adminClient) do(method, path string, body []byte, out any) error {
	if c.token == "" {
		return fmt.Errorf("admin token required: pass --token or set SIGNALPOLL_ADMIN_TOKEN")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readPayload(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxPayloadBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayloadBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes)
	}
	return bytes.TrimSpace(data), nil
}
