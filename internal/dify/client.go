// Package dify is a client for the dataset API of a Dify knowledge base.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/kb-sync/internal/errors"
	"github.com/alexjbarnes/kb-sync/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary. Rejected is
// set when the request is known not to have been processed: the
// connection was never made, or the server refused it with 429 or 503.
type TransientError struct {
	Err      error
	Rejected bool
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// retryable reports whether a request that failed with err may be sent
// again. A non-idempotent request is only resent when the failed
// attempt cannot have taken effect.
func retryable(err error, idempotent bool) bool {
	var te *TransientError
	if !errors.As(err, &te) {
		return false
	}

	return idempotent || te.Rejected
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout bounds every HTTP request when no custom client is
	// provided.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. API responses are
	// small JSON payloads.
	maxAPIResponseBytes = 1024 * 1024

	defaultMaxAttempts = 3
	defaultRetryDelay  = 500 * time.Millisecond

	// jitterDivisor controls the range of random jitter added to the
	// retry delay: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2

	// segmentMaxTokens is the chunk size requested for new documents.
	segmentMaxTokens = 500

	metadataTypeString = "string"
)

// Client talks to the Dify dataset API with a bearer API key.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetry sets how many times a transient failure is attempted in
// total and the delay before the first retry. The delay doubles after
// each attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}

		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the API key never reaches a
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

// NewClient creates a client for the API rooted at baseURL, for example
// "https://api.dify.ai/v1".
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CreateDocument uploads content as a new document named name and
// returns its id.
func (c *Client) CreateDocument(ctx context.Context, kbID, name string, content []byte) (string, error) {
	data := CreateByFileData{
		IndexingTechnique: "high_quality",
		ProcessRule: ProcessRule{
			Mode: "custom",
			Rules: &ProcessRules{
				Segmentation: Segmentation{Separator: "\n", MaxTokens: segmentMaxTokens},
			},
		},
	}

	body, contentType, err := fileUpload(name, content, data)
	if err != nil {
		return "", fmt.Errorf("creating document %s: %w", name, err)
	}

	endpoint := "/datasets/" + url.PathEscape(kbID) + "/document/create-by-file"

	// A create whose reply was lost may still have stored the document,
	// so it is only resent when the backend never processed it.
	resp, err := c.do(ctx, http.MethodPost, endpoint, body, contentType, false)
	if err != nil {
		return "", fmt.Errorf("creating document %s: %w", name, err)
	}

	docID := gjson.GetBytes(resp, "document.id").String()
	if docID == "" {
		return "", fmt.Errorf("creating document %s: %w: response has no document id", name, apperrors.ErrAPIResponse)
	}

	return docID, nil
}

// UpdateDocument replaces the content of an existing document.
func (c *Client) UpdateDocument(ctx context.Context, kbID, docID, name string, content []byte) error {
	data := UpdateByFileData{
		Name:        name,
		ProcessRule: ProcessRule{Mode: "automatic"},
	}

	body, contentType, err := fileUpload(name, content, data)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", docID, err)
	}

	if _, err := c.do(ctx, http.MethodPost, documentPath(kbID, docID)+"/update-by-file", body, contentType, true); err != nil {
		return fmt.Errorf("updating document %s: %w", docID, err)
	}

	return nil
}

// DeleteDocument removes a document. A document the backend does not
// know yields an error wrapping ErrDocumentNotFound.
func (c *Client) DeleteDocument(ctx context.Context, kbID, docID string) error {
	if _, err := c.do(ctx, http.MethodDelete, documentPath(kbID, docID), nil, "", true); err != nil {
		return fmt.Errorf("deleting document %s: %w", docID, err)
	}

	return nil
}

// DocumentStatus returns the display status of a document. A document
// the backend does not know yields an error wrapping ErrDocumentNotFound.
func (c *Client) DocumentStatus(ctx context.Context, kbID, docID string) (models.DocumentStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, documentPath(kbID, docID), nil, "", true)
	if err != nil {
		return "", fmt.Errorf("getting status of document %s: %w", docID, err)
	}

	status := gjson.GetBytes(resp, "display_status")
	if !status.Exists() {
		status = gjson.GetBytes(resp, "indexing_status")
	}

	if !status.Exists() || status.String() == "" {
		return "", fmt.Errorf("getting status of document %s: %w: response has no status", docID, apperrors.ErrAPIResponse)
	}

	return models.DocumentStatus(strings.ToLower(status.String())), nil
}

// SetMetadata assigns metadata values to a document.
func (c *Client) SetMetadata(ctx context.Context, kbID, docID string, fields []models.MetadataField) error {
	items := make([]MetadataItem, 0, len(fields))
	for _, f := range fields {
		typ := f.Type
		if typ == "" {
			typ = metadataTypeString
		}

		items = append(items, MetadataItem{ID: f.ID, Name: f.Name, Value: f.Value, Type: typ})
	}

	payload, err := json.Marshal(MetadataRequest{
		OperationData: []DocumentMetadata{{DocumentID: docID, MetadataList: items}},
	})
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	endpoint := "/datasets/" + url.PathEscape(kbID) + "/documents/metadata"

	if _, err := c.do(ctx, http.MethodPost, endpoint, payload, "application/json", true); err != nil {
		return fmt.Errorf("setting metadata of document %s: %w", docID, err)
	}

	return nil
}

func documentPath(kbID, docID string) string {
	return "/datasets/" + url.PathEscape(kbID) + "/documents/" + url.PathEscape(docID)
}

// fileUpload builds a multipart body with the file content and a JSON
// "data" part.
func fileUpload(name string, content []byte, data any) ([]byte, string, error) {
	meta, err := json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("marshalling upload data: %w", err)
	}

	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	if err := w.WriteField("data", string(meta)); err != nil {
		return nil, "", err
	}

	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}

	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

// do sends a request, retrying transient failures with exponential
// backoff, and returns the response body. Requests that are not
// idempotent are retried only when the failed attempt was rejected.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, contentType string, idempotent bool) ([]byte, error) {
	delay := c.retryDelay

	for attempt := 1; ; attempt++ {
		resp, err := c.once(ctx, method, endpoint, body, contentType)
		if err == nil || !retryable(err, idempotent) || attempt >= c.maxAttempts {
			return resp, err
		}

		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay)/jitterDivisor + 1)) //nolint:gosec // G404: retry jitter has no security impact
		}

		c.logger.Warn("API request failed, retrying",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}

func (c *Client) once(ctx context.Context, method, endpoint string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature. Only a failed dial proves the
		// request never reached the server.
		return nil, &TransientError{
			Err:      fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, err),
			Rejected: isDialError(err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)}
	}

	// On document endpoints a 404 means the id is unknown. Uploads are
	// not mapped: a 404 there means the dataset itself is wrong.
	if resp.StatusCode == http.StatusNotFound && (method == http.MethodGet || method == http.MethodDelete) {
		return nil, fmt.Errorf("%w: %s %s", apperrors.ErrDocumentNotFound, method, endpoint)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(respBody, "message").String()
		if msg == "" {
			msg = sanitizeResponseBody(respBody)
		}

		err := fmt.Errorf("%w: %s %s returned status %d: %s", apperrors.ErrAPIResponse, method, endpoint, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err, Rejected: isRejectedStatus(resp.StatusCode)}
		}

		return nil, err
	}

	return respBody, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
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

// isRejectedStatus reports whether a transient status means the server
// refused the request without acting on it.
func isRejectedStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
