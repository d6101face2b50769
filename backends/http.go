package backends

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/richardartoul/artifactcache/pkg/cacheerr"
)

// DefaultAPI is the artifact API used when no endpoint is configured.
const DefaultAPI = "https://vercel.com"

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 4 << 10

// HTTP is a Backend for the remote artifact API:
//
//	HEAD|GET|PUT {api}/v8/artifacts/{key}[?slug={team}]
//
// Every request carries the bearer token.
type HTTP struct {
	api       string
	token     string
	team      string
	userAgent string
	client    *http.Client
	logger    *slog.Logger
}

// HTTPOption configures an HTTP backend.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = client
	}
}

// WithTeam sets the team slug appended to every request as ?slug=.
func WithTeam(team string) HTTPOption {
	return func(h *HTTP) {
		h.team = team
	}
}

// WithLogger sets the logger used for probe failures.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = logger
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) {
		h.userAgent = ua
	}
}

// NewHTTP creates a backend for the artifact API at api authenticated with token.
func NewHTTP(api, token string, opts ...HTTPOption) (*HTTP, error) {
	if token == "" {
		return nil, &cacheerr.ConfigurationError{Field: "token", Reason: "required"}
	}
	if api == "" {
		api = DefaultAPI
	}
	if _, err := url.Parse(api); err != nil {
		return nil, &cacheerr.ConfigurationError{Field: "api", Reason: err.Error()}
	}

	h := &HTTP{
		api:    strings.TrimSuffix(api, "/"),
		token:  token,
		client: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.client == nil {
		h.client = http.DefaultClient
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	return h, nil
}

// Exists issues a HEAD request; only 200 counts as found.
func (h *HTTP) Exists(ctx context.Context, key string) bool {
	req, err := h.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		h.logger.Debug("artifact probe failed", "key", key, "error", err)
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Debug("artifact probe failed", "key", key, "error", err)
		return false
	}
	drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		h.logger.Debug("artifact probe miss", "key", key, "status", resp.StatusCode)
		return false
	}
	return true
}

// Put uploads the artifact with a PUT request.
func (h *HTTP) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	req, err := h.newRequest(ctx, http.MethodPut, key, body)
	if err != nil {
		return &cacheerr.TransferError{Op: "put", Key: key, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &cacheerr.TransferError{Op: "put", Key: key, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &cacheerr.TransferError{
			Op:         "put",
			Key:        key,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}
	return nil
}

// Get downloads the artifact with a GET request. 404 is a miss.
func (h *HTTP) Get(ctx context.Context, key string) (io.ReadCloser, int64, bool, error) {
	req, err := h.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, 0, false, &cacheerr.TransferError{Op: "get", Key: key, Err: err}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, false, &cacheerr.TransferError{Op: "get", Key: key, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, false, nil
	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		return nil, 0, true, nil
	default:
		defer drain(resp.Body)
		return nil, 0, false, &cacheerr.TransferError{
			Op:         "get",
			Key:        key,
			StatusCode: resp.StatusCode,
			Body:       readErrorBody(resp.Body),
		}
	}
}

// Close is a no-op; the HTTP client is owned by the caller.
func (h *HTTP) Close() error {
	return nil
}

// artifactURL builds the artifact URL for key.
func (h *HTTP) artifactURL(key string) string {
	u := fmt.Sprintf("%s/v8/artifacts/%s", h.api, url.PathEscape(key))
	if h.team != "" {
		u += "?slug=" + url.QueryEscape(h.team)
	}
	return u
}

func (h *HTTP) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.artifactURL(key), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	return req, nil
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
