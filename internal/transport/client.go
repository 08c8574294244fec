package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fieldwork-tools/fieldsync/internal/store"
)

const (
	userAgent             = "fieldsync/0.1"
	defaultAttemptTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response body is retained
	// for diagnostics.
	maxErrorBody = 64 * 1024
)

// Client carries queued operations to collection sync endpoints and
// fetches read-path resources. It performs exactly one attempt per call
// with a bounded timeout; classification of the outcome is the caller's
// signal for retry, conflict resolution, or terminal failure.
type Client struct {
	httpClient     *http.Client
	token          TokenSource
	logger         *slog.Logger
	attemptTimeout time.Duration
}

// Result is the server's accepted representation of an entity after a
// successful sync attempt. Entity is nil for acknowledged deletes.
type Result struct {
	Entity  json.RawMessage
	Version string
}

// NewClient creates a sync transport client. A nil httpClient falls back
// to http.DefaultClient; a nil token sends unauthenticated requests.
func NewClient(httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient:     httpClient,
		token:          token,
		logger:         logger,
		attemptTimeout: defaultAttemptTimeout,
	}
}

// SetAttemptTimeout overrides the per-attempt timeout. Zero restores the
// default.
func (c *Client) SetAttemptTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultAttemptTimeout
	}

	c.attemptTimeout = d
}

// Send delivers one pending operation to the collection's sync endpoint,
// mapping the operation kind to HTTP semantics: create→POST, update→PUT,
// delete→DELETE. Updates and deletes carry the operation's base version
// as If-Match unless force is set (a ClientWins re-issue).
//
// Return values:
//   - (*Result, nil) on success;
//   - (*ConflictError) when the server reports the entity changed since
//     the operation's base version, carrying the server's current state;
//   - (*APIError) for classified HTTP failures;
//   - other errors for transport-level failures (retryable).
func (c *Client) Send(ctx context.Context, endpoint string, op *store.PendingOperation, force bool) (*Result, error) {
	method, reqURL, body := requestFor(endpoint, op)

	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	if err := c.setHeaders(req, op, force, body != nil); err != nil {
		return nil, err
	}

	c.logger.Debug("sending operation",
		slog.String("method", method),
		slog.String("url", reqURL),
		slog.String("op_id", op.ID),
		slog.Bool("force", force),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	return c.handleResponse(resp, method, reqURL)
}

// requestFor maps an operation to its HTTP method, URL, and body.
func requestFor(endpoint string, op *store.PendingOperation) (method, reqURL string, body io.Reader) {
	entityURL := endpoint + "/" + url.PathEscape(op.EntityID)

	switch op.Kind {
	case store.OpCreate:
		return http.MethodPost, endpoint, bytes.NewReader(op.Payload)
	case store.OpUpdate:
		return http.MethodPut, entityURL, bytes.NewReader(op.Payload)
	case store.OpDelete:
		return http.MethodDelete, entityURL, nil
	default:
		// Unknown kinds are rejected earlier by the store; POST keeps the
		// compiler satisfied.
		return http.MethodPost, endpoint, bytes.NewReader(op.Payload)
	}
}

// setHeaders applies auth, content negotiation, and version precondition
// headers to a request.
func (c *Client) setHeaders(req *http.Request, op *store.PendingOperation, force, hasBody bool) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}

	if op.Kind != store.OpCreate && op.BaseVersion != "" && !force {
		req.Header.Set("If-Match", op.BaseVersion)
	}

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return err
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	return nil
}

// handleResponse classifies a response into a Result, ConflictError, or
// APIError.
func (c *Client) handleResponse(resp *http.Response, method, reqURL string) (*Result, error) {
	version := resp.Header.Get("ETag")

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		result := &Result{Version: version}

		if resp.StatusCode != http.StatusNoContent {
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("transport: reading response body: %w", err)
			}

			if len(body) > 0 {
				result.Entity = json.RawMessage(body)
			}
		}

		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.Int("status", resp.StatusCode),
		)

		return result, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	// 409 and 412 both signal a version conflict; the body is the server's
	// current entity representation per the wire contract.
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed {
		return nil, &ConflictError{
			ServerState:   json.RawMessage(body),
			ServerVersion: version,
		}
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    string(body),
		Err:        classifyStatus(resp.StatusCode),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				apiErr.RetryAfterSeconds = seconds
			}
		}
	}

	return nil, apiErr
}

// Fetch retrieves a read-path resource as a cacheable response. Unlike
// Send, any 2xx body is returned verbatim for the cache layer; non-2xx
// responses are classified the same way as write failures.
func (c *Client) Fetch(ctx context.Context, resourceURL string) (*store.CachedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if c.token != nil {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, tokErr
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: GET %s: %w", resourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("X-Request-Id"),
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response body: %w", err)
	}

	return &store.CachedResponse{
		URL:         resourceURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   store.NowNano(),
	}, nil
}
