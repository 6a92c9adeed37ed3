// Package syncclient talks to the sync service on behalf of the agent.
// Every call is bounded by a deadline; sync is advisory and must never
// hold up the enforcement loop.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/yiays/timewarden/internal/budget"
	"github.com/yiays/timewarden/internal/notify"
	"github.com/yiays/timewarden/internal/syncapi"
)

// ErrUnauthorized reports that the service rejected our credential. The
// caller should re-authorize rather than retry.
var ErrUnauthorized = errors.New("sync service rejected credential")

// Client is the agent's HTTP client for the sync service.
type Client struct {
	baseURL  string
	http     *http.Client
	notifier notify.Notifier
	logger   zerolog.Logger

	warnedVersion bool
}

// New creates a client for the service at baseURL. notifier may be nil.
func New(baseURL string, timeout time.Duration, notifier notify.Notifier, logger zerolog.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		notifier: notifier,
		logger:   logger.With().Str("component", "syncclient").Logger(),
	}
}

// PushResult is the outcome of one sync attempt.
type PushResult struct {
	Accepted bool

	// AuthKey is a freshly minted credential, present only when the
	// service created the record for us.
	AuthKey *uuid.UUID

	// Diff carries the authoritative remote state after a conflict. The
	// caller merges it and syncs again.
	Diff *syncapi.Diff
}

// Push offers a state snapshot to the service.
func (c *Client) Push(ctx context.Context, snapshot budget.State) (*PushResult, error) {
	body := syncapi.BodyFromState(&snapshot)
	payload, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sync/"+snapshot.UUID.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, snapshot.Credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()
	c.checkVersion(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync service returned %s", resp.Status)
	}

	var sr syncapi.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}

	result := &PushResult{Accepted: sr.Accepted}
	if sr.Accepted {
		if sr.Diff != nil && sr.Diff.AuthKey != nil {
			result.AuthKey = sr.Diff.AuthKey
		}
		return result, nil
	}
	if sr.Error != "" {
		c.logger.Warn().Str("error", sr.Error).Msg("Sync rejected by service")
		return result, nil
	}
	result.Diff = sr.Diff
	return result, nil
}

// Fetch retrieves the remote state without offering anything.
func (c *Client) Fetch(ctx context.Context, id, credential uuid.UUID) (*syncapi.Body, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/get/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req, credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()
	c.checkVersion(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync service returned %s", resp.Status)
	}

	var fr syncapi.FetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("failed to decode fetch response: %w", err)
	}
	if !fr.Success || fr.State == nil {
		return nil, fmt.Errorf("fetch failed: %s", fr.Error)
	}
	return fr.State, nil
}

// Deauthorize revokes every credential on the record and returns the
// single replacement key.
func (c *Client) Deauthorize(ctx context.Context, id, credential uuid.UUID) (uuid.UUID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/deauth/"+id.String(), nil)
	if err != nil {
		return uuid.Nil, err
	}
	c.authorize(req, credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("deauthorize request failed: %w", err)
	}
	defer resp.Body.Close()
	c.checkVersion(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return uuid.Nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, fmt.Errorf("sync service returned %s", resp.Status)
	}

	var ar syncapi.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode deauthorize response: %w", err)
	}
	if !ar.Success {
		return uuid.Nil, fmt.Errorf("deauthorize failed: %s", ar.Error)
	}
	return ar.AuthKey, nil
}

func (c *Client) authorize(req *http.Request, credential uuid.UUID) {
	if credential != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+credential.String())
	}
}

// checkVersion warns the user once when the service speaks a different
// protocol version. Sync continues regardless; the payloads are tolerant
// of unknown fields.
func (c *Client) checkVersion(resp *http.Response) {
	got := resp.Header.Get(syncapi.VersionHeader)
	if got == syncapi.Version || c.warnedVersion {
		return
	}
	c.warnedVersion = true
	c.logger.Warn().
		Str("got", got).
		Str("want", syncapi.Version).
		Msg("Sync service protocol version mismatch")
	if c.notifier != nil {
		c.notifier.Notify("Sync service",
			"The sync service uses a different protocol version. Consider updating.")
	}
}
