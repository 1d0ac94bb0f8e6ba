package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Phase is the value of a traffic light's state machine.
type Phase int

const (
	PhaseRed Phase = iota
	PhaseGreen
	PhaseYellow
)

// String returns the upper-case phase name used in log lines and JSON.
func (p Phase) String() string {
	switch p {
	case PhaseRed:
		return "RED"
	case PhaseGreen:
		return "GREEN"
	case PhaseYellow:
		return "YELLOW"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Next returns the phase that follows p in the fixed RED→GREEN→YELLOW cycle.
func (p Phase) Next() Phase {
	switch p {
	case PhaseRed:
		return PhaseGreen
	case PhaseGreen:
		return PhaseYellow
	default:
		return PhaseRed
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name, case-insensitively.
func (p *Phase) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "RED":
		*p = PhaseRed
	case "GREEN":
		*p = PhaseGreen
	case "YELLOW":
		*p = PhaseYellow
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// NodeSnapshot is the read-only view of a node handed to renderers.
type NodeSnapshot struct {
	LastTransition   time.Time `json:"last_transition"`
	ID               string    `json:"id"`
	Neighbors        []string  `json:"neighbors"`
	FailedNeighbors  []string  `json:"failed_neighbors"`
	Phase            Phase     `json:"phase"`
	RedDurationMs    int64     `json:"red_duration_ms"`
	GreenDurationMs  int64     `json:"green_duration_ms"`
	YellowDurationMs int64     `json:"yellow_duration_ms"`
	Disabled         bool      `json:"disabled"`
	Active           bool      `json:"active"`
}

// PhaseDurationMs returns the configured duration of the snapshot's current phase.
func (s NodeSnapshot) PhaseDurationMs() int64 {
	switch s.Phase {
	case PhaseGreen:
		return s.GreenDurationMs
	case PhaseYellow:
		return s.YellowDurationMs
	default:
		return s.RedDurationMs
	}
}

// Remaining returns how long the current phase still has to run at now.
// It never returns a negative duration.
func (s NodeSnapshot) Remaining(now time.Time) time.Duration {
	left := time.Duration(s.PhaseDurationMs())*time.Millisecond - now.Sub(s.LastTransition)
	if left < 0 {
		return 0
	}
	return left
}

// HeartbeatStatus describes the liveness of one node as seen by a consumer.
// NeverReported distinguishes "no heartbeat ever" from an old timestamp.
// Stale uses the consumer's display threshold; CoordinatorStale is the
// coordinator monitor's verdict at its last scan.
type HeartbeatStatus struct {
	NodeID           string `json:"node_id"`
	LastSeenMs       int64  `json:"last_seen_ms"`
	AgeMs            int64  `json:"age_ms"`
	StaleSinceMs     int64  `json:"stale_since_ms,omitempty"`
	NeverReported    bool   `json:"never_reported"`
	Stale            bool   `json:"stale"`
	CoordinatorStale bool   `json:"coordinator_stale"`
}

// Connection is an unordered pair of node ids.
type Connection struct {
	A string `json:"a"`
	B string `json:"b"`
}

// AddNodeRequest is the body of POST /nodes. An empty ID asks the server to pick one.
type AddNodeRequest struct {
	ID string `json:"id"`
}

// LogLine is one rendered entry of the observability stream.
type LogLine struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Line    string    `json:"line"`
}

// ErrorResponse is the JSON body returned with non-2xx API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

func DeleteJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodDelete, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("http %s %s: %d: %s", method, url, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("http %s %s: %d", method, url, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
