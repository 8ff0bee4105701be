package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/session"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the Drive API host.
const DefaultBaseURL = "https://www.googleapis.com"

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	// Snapshots can be several megabytes, so this is longer than a
	// typical JSON API call.
	httpClientTimeout = 2 * time.Minute

	// maxMetadataBytes caps reads of JSON metadata responses.
	maxMetadataBytes = 1024 * 1024

	// maxBlobBytes caps snapshot downloads.
	maxBlobBytes = 256 * 1024 * 1024

	// appDataSpace is the per-application hidden folder the blob lives in.
	appDataSpace = "appDataFolder"

	fileFields = "id,name,modifiedTime"
)

// ClientConfig holds the parameters for an HTTP blob store client.
type ClientConfig struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// FileName defaults to DefaultFileName.
	FileName string
	// HTTPClient defaults to a client with a 2-minute timeout and a
	// same-host redirect policy.
	HTTPClient *http.Client
	// Tokens supplies the bearer token for every request.
	Tokens oauth2.TokenSource
	// Notifier receives reauthentication events. Optional.
	Notifier reauthNotifier
}

// Client stores the blob in the Drive application data folder.
type Client struct {
	httpClient *http.Client
	baseURL    string
	fileName   string
	tokens     oauth2.TokenSource
	notifier   reauthNotifier
	logger     *slog.Logger

	finds singleflight.Group
}

var _ BlobStore = (*Client)(nil)

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks
// to a third-party domain.
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

// NewClient creates a Drive-backed blob store client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	fileName := cfg.FileName
	if fileName == "" {
		fileName = DefaultFileName
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		fileName:   fileName,
		tokens:     cfg.Tokens,
		notifier:   cfg.Notifier,
		logger:     logger,
	}
}

// Find looks the blob up by name. Concurrent calls share one request.
func (c *Client) Find(ctx context.Context) (*FileHandle, error) {
	v, err, _ := c.finds.Do("find", func() (interface{}, error) {
		return c.find(ctx)
	})
	if err != nil {
		return nil, err
	}

	return v.(*FileHandle), nil
}

func (c *Client) find(ctx context.Context) (*FileHandle, error) {
	q := url.Values{}
	q.Set("spaces", appDataSpace)
	q.Set("q", fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(c.fileName)))
	q.Set("fields", "files("+fileFields+")")
	q.Set("orderBy", "modifiedTime desc")
	q.Set("pageSize", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/drive/v3/files?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req, "find", maxMetadataBytes)
	if err != nil {
		return nil, err
	}

	first := gjson.GetBytes(body, "files.0")
	if !first.Exists() {
		return nil, nil
	}

	return handleFromJSON(first)
}

// Download fetches the blob content.
func (c *Client) Download(ctx context.Context, h FileHandle) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/drive/v3/files/"+url.PathEscape(h.ID)+"?alt=media", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, "download", maxBlobBytes)
}

// Upload creates the blob when existing is nil, otherwise replaces the
// content of the existing file in place.
func (c *Client) Upload(ctx context.Context, data []byte, existing *FileHandle) (*FileHandle, error) {
	var (
		req *http.Request
		err error
	)

	if existing == nil {
		req, err = c.createRequest(ctx, data)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPatch,
			c.baseURL+"/upload/drive/v3/files/"+url.PathEscape(existing.ID)+"?uploadType=media&fields="+fileFields,
			bytes.NewReader(data))
		if err == nil {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
	}

	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req, "upload", maxMetadataBytes)
	if err != nil {
		return nil, err
	}

	return handleFromJSON(gjson.ParseBytes(body))
}

// createRequest builds a multipart/related create request carrying the
// file metadata and content.
func (c *Client) createRequest(ctx context.Context, data []byte) (*http.Request, error) {
	meta, err := json.Marshal(map[string]interface{}{
		"name":    c.fileName,
		"parents": []string{appDataSpace},
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}

	if _, err := metaPart.Write(meta); err != nil {
		return nil, err
	}

	dataPart, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/octet-stream"}})
	if err != nil {
		return nil, err
	}

	if _, err := dataPart.Write(data); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/upload/drive/v3/files?uploadType=multipart&fields="+fileFields, &buf)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	return req, nil
}

// Delete removes the blob. A 404 is treated as success.
func (c *Client) Delete(ctx context.Context, h FileHandle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/drive/v3/files/"+url.PathEscape(h.ID), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	_, err = c.do(req, "delete", maxMetadataBytes)

	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		c.logger.Debug("remote blob already gone", slog.String("id", h.ID))
		return nil
	}

	return err
}

// do authorizes and sends req, returning the response body for 2xx
// responses. Authorization failures notify the session before the
// error is returned.
func (c *Client) do(req *http.Request, op string, limit int64) ([]byte, error) {
	if c.tokens == nil {
		return nil, c.authFailed(&StatusError{Op: op, Body: "no credentials configured", Auth: true})
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, c.authFailed(&StatusError{Op: op, Body: "obtaining token: " + err.Error(), Auth: true})
	}

	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%w: %s: %v", apperrors.ErrRemoteStore, op, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: %s: reading response: %v", apperrors.ErrRemoteStore, op, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := newStatusError(op, resp.StatusCode, errorMessage(body))
		if se.Auth {
			return nil, c.authFailed(se)
		}

		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: se}
		}

		return nil, se
	}

	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %s: response exceeds %d bytes", apperrors.ErrRemoteStore, op, limit)
	}

	return body, nil
}

func (c *Client) authFailed(se *StatusError) error {
	c.logger.Warn("remote store rejected credentials",
		slog.String("op", se.Op),
		slog.Int("status", se.Status),
	)

	if c.notifier != nil {
		c.notifier.ReauthRequired(session.ReauthEvent{Op: se.Op, Status: se.Status})
	}

	return se
}

// errorMessage extracts the Drive error message from a JSON error body,
// falling back to the sanitized raw body.
func errorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Type == gjson.String && msg.Str != "" {
		return sanitizeResponseBody([]byte(msg.Str))
	}

	return sanitizeResponseBody(body)
}

func handleFromJSON(r gjson.Result) (*FileHandle, error) {
	id := r.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("%w: response missing file id", apperrors.ErrRemoteStore)
	}

	h := &FileHandle{ID: id, Name: r.Get("name").String()}

	if mt := r.Get("modifiedTime").String(); mt != "" {
		t, err := time.Parse(time.RFC3339Nano, mt)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing modifiedTime %q: %v", apperrors.ErrRemoteStore, mt, err)
		}

		h.ModifiedTime = t
	}

	return h, nil
}

// escapeQuery escapes a value for a single-quoted Drive query literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
