package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	syncerrors "marksync/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory.
	maxAPIResponseBytes = 1024 * 1024

	// requestMaxElapsed caps the total time spent retrying one
	// reading-list request across transient failures.
	requestMaxElapsed = 30 * time.Second
)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so credentials never leak to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// ReadingListClient talks to the reading-list HTTP service.
type ReadingListClient struct {
	httpClient *http.Client
	baseURL    string
	account    string
}

// NewReadingListClient creates a reading-list client for the given base
// URL. If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewReadingListClient(baseURL, account string, httpClient *http.Client) *ReadingListClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &ReadingListClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		account:    account,
	}
}

func newRequestBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = requestMaxElapsed
	return bo
}

// Add uploads a new reading-list item. A conflicting URL on the server
// returns ErrRecordExists so the caller can resolve it by re-downloading.
func (c *ReadingListClient) Add(ctx context.Context, item ReadingListItem) (*ReadingListItem, error) {
	var resp ReadingListItem
	if err := c.do(ctx, http.MethodPost, "/articles", item, &resp); err != nil {
		return nil, fmt.Errorf("adding reading-list item: %w", err)
	}

	return &resp, nil
}

// PatchStatus updates the status flags of an existing item.
func (c *ReadingListClient) PatchStatus(ctx context.Context, id string, patch StatusPatch) (*ReadingListItem, error) {
	var resp ReadingListItem
	if err := c.do(ctx, http.MethodPatch, "/articles/"+id, patch, &resp); err != nil {
		return nil, fmt.Errorf("patching reading-list item %s: %w", id, err)
	}

	return &resp, nil
}

// do sends a JSON request and decodes the response into result, retrying
// transient server failures with exponential backoff.
func (c *ReadingListClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	bo := newRequestBackoff()

	return backoff.Retry(func() error {
		err := c.doOnce(ctx, method, endpoint, payload, result)
		if err != nil && !errors.Is(err, syncerrors.ErrServerUnavailable) {
			return backoff.Permanent(err)
		}

		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *ReadingListClient) doOnce(ctx context.Context, method, endpoint string, payload []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Account", c.account)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return fmt.Errorf("%w: sending request to %s: %w", syncerrors.ErrServerUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	// Cap response reads at 1MB. API responses are small JSON payloads.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return syncerrors.ErrRecordExists

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned status %d", syncerrors.ErrAuthFailed, endpoint, resp.StatusCode)

	case isTransientStatus(resp.StatusCode):
		return fmt.Errorf("%w: %s returned status %d", syncerrors.ErrServerUnavailable, endpoint, resp.StatusCode)

	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: %s (%d): %s", syncerrors.ErrServerRequest, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: %s returned status %d", syncerrors.ErrServerRequest, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", syncerrors.ErrBadServerResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
