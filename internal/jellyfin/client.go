/*
Copyright (C) 2026 Wickerworks

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package jellyfin implements the HTTP client for the remote media server.
package jellyfin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wickerworks/wren_player/internal/version"
)

// ErrUnpinnedCertificate is returned when the server presents a self-signed
// certificate that has not been confirmed by a parent yet. The fingerprint
// travels with the error so the settings UI can show it for confirmation.
type ErrUnpinnedCertificate struct {
	Fingerprint string
}

func (e *ErrUnpinnedCertificate) Error() string {
	return fmt.Sprintf("server certificate not trusted (fingerprint %s)", e.Fingerprint)
}

// ErrUnauthorized is returned after silent re-authentication also failed.
type ErrUnauthorized struct{}

func (e *ErrUnauthorized) Error() string { return "server rejected credentials" }

// Client talks to a Jellyfin-compatible media server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	deviceID   string

	// stallTimeout overrides downloadStallTimeout when positive.
	stallTimeout time.Duration

	mu       sync.Mutex
	username string
	password string
	token    string
	userID   string
}

// NewClient creates a client for baseURL. pinnedFingerprint, when non-empty,
// is the SHA-256 fingerprint of a parent-confirmed self-signed certificate;
// connections are accepted only if the leaf matches it.
func NewClient(baseURL string, timeout time.Duration, pinnedFingerprint string, logger zerolog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if pinnedFingerprint != "" {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: pinVerifier(pinnedFingerprint),
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		deviceID: uuid.NewString(),
		logger:   logger.With().Str("component", "jellyfin").Logger(),
	}
}

// SetCredentials stores the account used for authentication.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.password = password
}

// UserID returns the authenticated user id, or "" before authentication.
// The persisted cache is scoped by this value so a re-login with a different
// account never sees the previous account's entries.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// pinVerifier accepts exactly the certificate whose SHA-256 fingerprint was
// confirmed by a parent.
func pinVerifier(pinned string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	want := strings.ToLower(strings.ReplaceAll(pinned, ":", ""))
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		got := Fingerprint(rawCerts[0])
		if got != want {
			return &ErrUnpinnedCertificate{Fingerprint: got}
		}
		return nil
	}
}

// Fingerprint returns the lowercase hex SHA-256 digest of a raw certificate.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ProbeFingerprint connects without verification and returns the leaf
// certificate fingerprint, for the one-time parent confirmation flow.
func (c *Client) ProbeFingerprint(ctx context.Context) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("fingerprint probe requires https, got %s", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":443"
	}
	dialer := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", host, err)
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("server presented no certificate")
	}
	return Fingerprint(state.PeerCertificates[0].Raw), nil
}

// Authenticate performs /Users/AuthenticateByName and stores the token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	username, password := c.username, c.password
	c.mu.Unlock()
	if username == "" {
		return fmt.Errorf("no credentials configured")
	}

	body, err := json.Marshal(authenticateRequest{Username: username, Pw: password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Users/AuthenticateByName", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Emby-Authorization", c.authHeader(""))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return &ErrUnauthorized{}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authenticate: unexpected status %d", resp.StatusCode)
	}

	var auth authenticateResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("authenticate: decode: %w", err)
	}

	c.mu.Lock()
	c.token = auth.AccessToken
	c.userID = auth.User.ID
	c.mu.Unlock()

	c.logger.Info().Str("user", auth.User.Name).Msg("authenticated with media server")
	return nil
}

func (c *Client) authHeader(token string) string {
	header := fmt.Sprintf(`MediaBrowser Client="Wren Player", Device="tablet", DeviceId=%q, Version=%q`, c.deviceID, version.Version)
	if token != "" {
		header += fmt.Sprintf(`, Token=%q`, token)
	}
	return header
}

// do executes an authenticated request. On 401 it re-authenticates once and
// retries; a second rejection surfaces ErrUnauthorized.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			if err := c.Authenticate(ctx); err != nil {
				return nil, err
			}
			c.mu.Lock()
			token = c.token
			c.mu.Unlock()
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Emby-Authorization", c.authHeader(token))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			c.logger.Debug().Msg("token rejected, re-authenticating")
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, &ErrUnauthorized{}
		}
		return resp, nil
	}
}

// ListLibraries fetches the user's views.
func (c *Client) ListLibraries(ctx context.Context) ([]Library, error) {
	resp, err := c.do(ctx, http.MethodGet, "/Users/"+c.UserID()+"/Views", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list libraries: unexpected status %d", resp.StatusCode)
	}
	var views viewsResponse
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		return nil, fmt.Errorf("list libraries: decode: %w", err)
	}
	return views.Items, nil
}

// ListItems fetches all playable video items of one library.
func (c *Client) ListItems(ctx context.Context, libraryID string) ([]RemoteItem, error) {
	query := url.Values{
		"ParentId":         {libraryID},
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie,Episode,Video"},
		"Fields":           {"DateCreated,DateModified,Etag"},
	}
	resp, err := c.do(ctx, http.MethodGet, "/Users/"+c.UserID()+"/Items", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list items: unexpected status %d", resp.StatusCode)
	}
	var items itemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("list items: decode: %w", err)
	}
	return items.Items, nil
}

// StreamURL returns the direct stream URL for an item. The platform player
// consumes this URL itself, so the token rides along as a query parameter.
func (c *Client) StreamURL(itemID string) string {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return fmt.Sprintf("%s/Videos/%s/stream?static=true&api_key=%s", c.baseURL, itemID, url.QueryEscape(token))
}

// ImageURL returns the primary artwork URL for an item.
func (c *Client) ImageURL(itemID, tag string) string {
	u := fmt.Sprintf("%s/Items/%s/Images/Primary", c.baseURL, itemID)
	if tag != "" {
		u += "?tag=" + url.QueryEscape(tag)
	}
	return u
}

// downloadStallTimeout bounds how long a chunk read may block without
// progress. A link that drops without a TCP reset would otherwise hang the
// read forever; expiry surfaces as ErrStalled, a retryable failure.
const downloadStallTimeout = 20 * time.Second

// ErrStalled is returned by a download stream whose reads made no progress
// within the stall timeout.
var ErrStalled = errors.New("transfer stalled")

// stallReader aborts the underlying request when a read sits without
// progress for the full timeout, and translates the resulting abort into
// ErrStalled so callers can tell a stall apart from a deliberate cancel.
type stallReader struct {
	rc      io.ReadCloser
	abort   context.CancelFunc
	timer   *time.Timer
	timeout time.Duration

	mu      sync.Mutex
	stalled bool
}

func newStallReader(rc io.ReadCloser, timeout time.Duration, abort context.CancelFunc) *stallReader {
	s := &stallReader{rc: rc, abort: abort, timeout: timeout}
	s.timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.stalled = true
		s.mu.Unlock()
		abort()
	})
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if err != nil {
		s.mu.Lock()
		stalled := s.stalled
		s.mu.Unlock()
		if stalled {
			return n, ErrStalled
		}
		return n, err
	}
	s.timer.Reset(s.timeout)
	return n, nil
}

func (s *stallReader) Close() error {
	s.timer.Stop()
	s.abort()
	return s.rc.Close()
}

// Download opens the item's byte stream at the given offset using a Range
// request. It returns the stream, the total item size, and whether the
// server honored the range (resumed=false means the caller must restart
// from zero). Reads on the returned stream fail with ErrStalled when the
// connection stops delivering bytes for the stall timeout.
func (c *Client) Download(ctx context.Context, itemID string, offset int64) (io.ReadCloser, int64, bool, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, 0, false, err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
	}

	// No client timeout here: transfers run long. The request context plus
	// the per-read stall watchdog bound it instead.
	reqCtx, abort := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/Items/"+itemID+"/Download", nil)
	if err != nil {
		abort()
		return nil, 0, false, err
	}
	req.Header.Set("X-Emby-Authorization", c.authHeader(token))
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	transport := c.httpClient.Transport
	streamClient := &http.Client{Transport: transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		abort()
		return nil, 0, false, err
	}

	stallTimeout := c.stallTimeout
	if stallTimeout <= 0 {
		stallTimeout = downloadStallTimeout
	}
	body := newStallReader(resp.Body, stallTimeout, abort)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total := offset + resp.ContentLength
		return body, total, true, nil
	case http.StatusOK:
		return body, resp.ContentLength, false, nil
	case http.StatusUnauthorized:
		body.Close()
		return nil, 0, false, &ErrUnauthorized{}
	default:
		body.Close()
		return nil, 0, false, fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
}

// FetchImage downloads primary artwork bytes for offline rendering.
func (c *Client) FetchImage(ctx context.Context, itemID, tag string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL(itemID, tag), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ReportProgress reports the playback position upstream. Best effort; the
// caller treats failures as non-fatal.
func (c *Client) ReportProgress(ctx context.Context, itemID string, positionTicks int64) error {
	body, err := json.Marshal(progressRequest{ItemID: itemID, PositionTicks: positionTicks})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/Sessions/Playing/Progress", nil, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// MarkPlayed marks the item played on the server. Best effort.
func (c *Client) MarkPlayed(ctx context.Context, itemID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/Users/"+c.UserID()+"/PlayedItems/"+itemID, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
