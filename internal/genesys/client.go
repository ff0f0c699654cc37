// Package genesys talks to the Genesys Cloud recording API: token exchange,
// per-conversation recording metadata, download descriptors, and media
// retrieval. Descriptor fetches are retried because the provider publishes
// download URIs asynchronously after a call ends.
package genesys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

// ErrNotReady indicates the provider has not published a recording's download
// URI within the bounded retry budget. The conversation stays unposted and is
// picked up again on the next cycle.
var ErrNotReady = errors.New("recording not ready")

const (
	// MediaAudio and MediaScreen are the media kinds the pipeline understands.
	MediaAudio  = "audio"
	MediaScreen = "screen"

	descriptorAttempts = 7
	descriptorDelay    = 5 * time.Second
)

// Metadata describes one recording attached to a conversation.
type Metadata struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Media          string `json:"media"`
}

// MediaURI is one downloadable segment of a recording.
type MediaURI struct {
	MediaURI string `json:"mediaUri"`
}

// Recording is the download descriptor for one recording. MediaURIs is keyed
// by the provider's sequence key; screen recordings carry one entry per
// segment, audio carries a single entry.
type Recording struct {
	ID        string              `json:"id"`
	Media     string              `json:"media"`
	MediaURIs map[string]MediaURI `json:"mediaUris"`
}

// SegmentURI pairs a sequence key with its media URI.
type SegmentURI struct {
	Key string
	URI string
}

// OrderedURIs returns the media URIs sorted ascending by sequence key.
func (r *Recording) OrderedURIs() []SegmentURI {
	keys := make([]string, 0, len(r.MediaURIs))
	for key := range r.MediaURIs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]SegmentURI, 0, len(keys))
	for _, key := range keys {
		out = append(out, SegmentURI{Key: key, URI: r.MediaURIs[key].MediaURI})
	}
	return out
}

// Client provides access to the Genesys Cloud API.
type Client struct {
	clientID     string
	clientSecret string
	loginURL     string
	apiURL       string
	http         *resty.Client
	token        string
	retryDelay   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the region-derived login and API endpoints. Tests
// point both at a local server.
func WithBaseURLs(loginURL, apiURL string) Option {
	return func(c *Client) {
		if loginURL != "" {
			c.loginURL = loginURL
		}
		if apiURL != "" {
			c.apiURL = apiURL
		}
	}
}

// WithRetryInterval overrides the delay between descriptor attempts
// (primarily for tests).
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithHTTPClient overrides the underlying resty client.
func WithHTTPClient(client *resty.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// New creates a client for the given region (e.g. "mypurecloud.com").
func New(clientID, clientSecret, region string, opts ...Option) (*Client, error) {
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	region = strings.TrimSpace(region)
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("genesys client credentials required")
	}
	if region == "" {
		return nil, errors.New("genesys region required")
	}

	client := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		loginURL:     "https://login." + region,
		apiURL:       "https://api." + region,
		http:         resty.New().SetTimeout(2 * time.Minute),
		retryDelay:   descriptorDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Login performs the client-credential exchange and stores the bearer token.
// Called once per retrieval; a failure is fatal only to that conversation's attempt.
func (c *Client) Login(ctx context.Context) error {
	var token tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&token).
		Post(c.loginURL + "/oauth/token")
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("token exchange: status %d", resp.StatusCode())
	}
	if token.AccessToken == "" {
		return errors.New("token exchange: empty access token")
	}
	c.token = token.AccessToken
	return nil
}

// RecordingMetadata lists recording metadata for a conversation.
func (c *Client) RecordingMetadata(ctx context.Context, conversationID string) ([]Metadata, error) {
	var result []Metadata
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetResult(&result).
		Get(fmt.Sprintf("%s/api/v2/conversations/%s/recordings", c.apiURL, conversationID))
	if err != nil {
		return nil, fmt.Errorf("recording metadata for %s: %w", conversationID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("recording metadata for %s: status %d", conversationID, resp.StatusCode())
	}
	return result, nil
}

// Recording fetches the download descriptor for one recording. A nil result
// with a nil error means the provider has not published the URI yet.
func (c *Client) Recording(ctx context.Context, conversationID, recordingID string) (*Recording, error) {
	var result Recording
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetQueryParam("download", "true").
		SetResult(&result).
		Get(fmt.Sprintf("%s/api/v2/conversations/%s/recordings/%s", c.apiURL, conversationID, recordingID))
	if err != nil {
		return nil, fmt.Errorf("recording %s/%s: %w", conversationID, recordingID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		if len(result.MediaURIs) == 0 {
			return nil, nil
		}
		return &result, nil
	case http.StatusAccepted, http.StatusNotFound:
		// Still being written out by the provider.
		return nil, nil
	default:
		return nil, fmt.Errorf("recording %s/%s: status %d", conversationID, recordingID, resp.StatusCode())
	}
}

// FetchRecordingWithRetry polls Recording until a descriptor appears, making
// at most seven attempts five seconds apart. Exhaustion returns ErrNotReady.
func (c *Client) FetchRecordingWithRetry(ctx context.Context, conversationID, recordingID string) (*Recording, error) {
	var recording *Recording
	attempt := 0
	op := func() error {
		attempt++
		rec, err := c.Recording(ctx, conversationID, recordingID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec == nil {
			return fmt.Errorf("attempt %d: %w", attempt, ErrNotReady)
		}
		recording = rec
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), descriptorAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return recording, nil
}

// Download streams the media behind uri to destPath. The body lands in a
// temporary file first and is renamed only on a confirmed 200, so destPath
// never holds a partial body or an error payload; a failed download is
// restarted from scratch on the next attempt.
func (c *Client) Download(ctx context.Context, uri, destPath string) error {
	partPath := destPath + ".part"
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token).
		SetOutput(partPath).
		Get(uri)
	if err != nil {
		removePartial(partPath)
		return fmt.Errorf("download %s: %w", uri, err)
	}
	if resp.StatusCode() != http.StatusOK {
		removePartial(partPath)
		return fmt.Errorf("download %s: status %d", uri, resp.StatusCode())
	}
	if err := os.Rename(partPath, destPath); err != nil {
		removePartial(partPath)
		return fmt.Errorf("finalize download %s: %w", uri, err)
	}
	return nil
}

// removePartial is best-effort; nothing downstream reads the .part suffix,
// so a leftover is inert.
func removePartial(path string) {
	_ = os.Remove(path)
}

// ExtensionFromURI derives a file extension (with leading dot) from the URI's
// path suffix. Returns "" when none can be detected.
func ExtensionFromURI(rawURI string) string {
	parsed, err := url.Parse(rawURI)
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	if ext == "." {
		return ""
	}
	return ext
}
