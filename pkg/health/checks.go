// Package health reports whether a device can poll usefully: the server must
// be reachable and the device clock must agree with the server's, since both
// sides derive the daily key from the current UTC date.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/signalpoll/pkg/keys"
)

type HealthStatus struct {
	ServerReachable    bool      `json:"server_reachable"`
	TimeDrift          int       `json:"time_drift_seconds"`
	ServerRotationTag  string    `json:"server_rotation_tag,omitempty"`
	LocalRotationTag   string    `json:"local_rotation_tag"`
	LastSuccessfulSync time.Time `json:"last_successful_sync"`
	Healthy            bool      `json:"healthy"`
	Issues             []string  `json:"issues,omitempty"`
}

// Check probes serverURL/v1/health. Drift is measured against the response
// Date header, which has one-second resolution.
func Check(ctx context.Context, client *http.Client, serverURL string, maxTimeDrift int) *HealthStatus {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	now := time.Now().UTC()
	status := &HealthStatus{
		Healthy:          true,
		Issues:           []string{},
		LocalRotationTag: keys.RotationTag(now),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/v1/health", nil)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("invalid server url: %v", err))
		return status
	}
	resp, err := client.Do(req)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
		return status
	}
	resp.Body.Close()

	status.ServerReachable = resp.StatusCode == http.StatusOK
	if !status.ServerReachable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
	}

	serverTime, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		status.Issues = append(status.Issues, "server did not send a usable Date header")
	} else {
		drift := Drift(now, serverTime)
		status.TimeDrift = drift
		status.ServerRotationTag = keys.RotationTag(serverTime)
		if drift > maxTimeDrift {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", drift, maxTimeDrift))
		}
		if status.ServerRotationTag != status.LocalRotationTag {
			status.Healthy = false
			status.Issues = append(status.Issues, "device and server disagree on the current key date")
		}
	}

	if status.Healthy {
		status.LastSuccessfulSync = now
	}
	return status
}

// Drift is the absolute difference in whole seconds.
func Drift(local, remote time.Time) int {
	d := local.Sub(remote)
	if d < 0 {
		d = -d
	}
	return int(d / time.Second)
}
