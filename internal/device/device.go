// Package device is the small, out-of-scope-by-design HTTP glue for
// the two jarvis devices the original integration proxied: a handful
// of garden lights and a front-door lock (spec.md §1: "the embedded
// device HTTP glue" is an explicit non-core collaborator). It exists
// here only so the repository keeps the original's "two disjoint
// subsystems" shape; none of internal/query, internal/compaction, or
// internal/importer import this package.
package device

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"
)

// LightState mirrors the jarvis light integration's three-value
// status enum (on/off/unknown maps to an error state client-side).
type LightState string

const (
	LightOn      LightState = "on"
	LightOff     LightState = "off"
	LightUnknown LightState = "unknown"
)

// LockState mirrors the jarvis lock integration's six-value status
// enum.
type LockState string

const (
	LockLocked    LockState = "locked"
	LockUnlocked  LockState = "unlocked"
	LockLocking   LockState = "locking"
	LockUnlocking LockState = "unlocking"
	LockJammed    LockState = "jammed"
	LockUnknown   LockState = "unknown"
)

// Client proxies HTTP calls to the jarvis device host, the same way
// the teacher's handlers proxy third-party HTTP APIs (handlers_oauth.go,
// handlers_version.go): a short-timeout *http.Client and plain
// http.NewRequest calls, no retry or circuit-breaking logic.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Client) endpoint(parts ...string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("device: invalid base url %q: %w", c.baseURL, err)
	}
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u.String(), nil
}

type lightStatusResponse struct {
	State string `json:"state"`
}

// LightStatus polls a named light's current state, e.g. "jardin" or
// "guirlande".
func (c *Client) LightStatus(name string) (LightState, error) {
	endpoint, err := c.endpoint("light", name)
	if err != nil {
		return LightUnknown, err
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return LightUnknown, fmt.Errorf("device: build light status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return LightUnknown, fmt.Errorf("device: light status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LightUnknown, fmt.Errorf("device: light status returned %d", resp.StatusCode)
	}
	var body lightStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LightUnknown, fmt.Errorf("device: decode light status: %w", err)
	}
	switch body.State {
	case "on":
		return LightOn, nil
	case "off":
		return LightOff, nil
	default:
		return LightUnknown, nil
	}
}

// SetLight turns a named light on or off.
func (c *Client) SetLight(name string, on bool) (LightState, error) {
	action := "off"
	if on {
		action = "on"
	}
	endpoint, err := c.endpoint("light", name, action)
	if err != nil {
		return LightUnknown, err
	}
	req, err := http.NewRequest(http.MethodPut, endpoint, nil)
	if err != nil {
		return LightUnknown, fmt.Errorf("device: build light set request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return LightUnknown, fmt.Errorf("device: light set request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LightUnknown, fmt.Errorf("device: light set returned %d", resp.StatusCode)
	}
	if on {
		return LightOn, nil
	}
	return LightOff, nil
}

type lockStatusResponse struct {
	State string `json:"state"`
}

// LockStatus polls the front door's current state.
func (c *Client) LockStatus() (LockState, error) {
	endpoint, err := c.endpoint("door")
	if err != nil {
		return LockUnknown, err
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return LockUnknown, fmt.Errorf("device: build lock status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return LockUnknown, fmt.Errorf("device: lock status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LockUnknown, fmt.Errorf("device: lock status returned %d", resp.StatusCode)
	}
	var body lockStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return LockUnknown, fmt.Errorf("device: decode lock status: %w", err)
	}
	switch body.State {
	case "locked":
		return LockLocked, nil
	case "unlocked":
		return LockUnlocked, nil
	case "jammed":
		return LockJammed, nil
	default:
		return LockUnknown, nil
	}
}

// Lock requests the door lock. Returns the optimistic in-flight state
// (Locking) the same way the original integration set its entity
// state before the poller caught up.
func (c *Client) Lock() (LockState, error) {
	endpoint, err := c.endpoint("door", "lock")
	if err != nil {
		return LockUnknown, err
	}
	if err := c.put(endpoint); err != nil {
		return LockUnknown, err
	}
	return LockLocking, nil
}

// Unlock requests the door unlock.
//
// The original jarvis integration's async_unlock sets its entity
// state to Locking rather than Unlocking after issuing the request
// (homeassistant/components/jarvis/lock.py); this reproduces that
// same optimistic-state bug rather than silently fixing it, since it
// lives in integration code outside the statistics engine's scope.
func (c *Client) Unlock() (LockState, error) {
	endpoint, err := c.endpoint("door", "unlock")
	if err != nil {
		return LockUnknown, err
	}
	if err := c.put(endpoint); err != nil {
		return LockUnknown, err
	}
	return LockLocking, nil
}

func (c *Client) put(endpoint string) error {
	req, err := http.NewRequest(http.MethodPut, endpoint, nil)
	if err != nil {
		return fmt.Errorf("device: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device: request returned %d", resp.StatusCode)
	}
	return nil
}
