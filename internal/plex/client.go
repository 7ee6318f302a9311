package plex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
)

// ///////////////////////////////////////////////
// Sentinel Errors
// ///////////////////////////////////////////////

// ErrAuthRejected is returned when the server rejects the configured
// X-Plex-Token. This is not recoverable by retrying; the user must supply
// a fresh token.
var ErrAuthRejected = errors.New("plex auth token rejected")

// ErrNotFound is returned when a requested media item does not exist.
var ErrNotFound = errors.New("plex item not found")

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

const (
	// productName identifies this daemon in X-Plex-* headers.
	productName = "plexcord"
	// productVersion is reported in the X-Plex-Version header.
	productVersion = "1.0.0"
	// clientIdentifier is the stable X-Plex-Client-Identifier for the daemon.
	clientIdentifier = "plexcord-daemon"
)

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client talks to a Plex Media Server over HTTP. Transient failures are
// retried with backoff; auth rejection and missing items map to sentinel
// errors the caller can branch on.
type Client struct {
	// baseURL is the server root, e.g. "http://10.0.0.5:32400".
	baseURL string
	// token is the X-Plex-Token sent with every request.
	token string
	// http is the retrying HTTP client.
	http *retryablehttp.Client
}

// NewClient creates a Plex API client for the given server base URL and token.
func NewClient(baseURL, token string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    rc,
	}
}

// Sessions fetches the server's active playback sessions from
// /status/sessions. An empty slice means nothing is playing.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	body, err := c.get(ctx, "/status/sessions")
	if err != nil {
		return nil, err
	}

	var resp mediaContainerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing sessions response: %w", err)
	}

	sessions := make([]Session, 0, len(resp.MediaContainer.Metadata))
	for i := range resp.MediaContainer.Metadata {
		sessions = append(sessions, resp.MediaContainer.Metadata[i].toSession())
	}
	return sessions, nil
}

// Metadata fetches a single media item by rating key from
// /library/metadata/{key}. The returned session carries the item's static
// fields; playback state and position come from the notification that
// referenced the key.
func (c *Client) Metadata(ctx context.Context, ratingKey string) (*Session, error) {
	body, err := c.get(ctx, "/library/metadata/"+ratingKey)
	if err != nil {
		return nil, err
	}

	var resp mediaContainerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing metadata response: %w", err)
	}
	if len(resp.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("%w: rating key %s", ErrNotFound, ratingKey)
	}

	s := resp.MediaContainer.Metadata[0].toSession()
	return &s, nil
}

// get performs an authenticated GET against path and returns the response
// body. Status 401 maps to ErrAuthRejected and 404 to ErrNotFound.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrAuthRejected
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// setHeaders applies the standard Plex client headers to a request.
func (c *Client) setHeaders(req *retryablehttp.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("X-Plex-Client-Identifier", clientIdentifier)
	req.Header.Set("X-Plex-Product", productName)
	req.Header.Set("X-Plex-Version", productVersion)
	req.Header.Set("X-Plex-Platform", runtime.GOOS)
}
