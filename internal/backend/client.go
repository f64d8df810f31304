// Package backend talks to the authoritative LMS REST API on behalf of
// engine sessions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/engine"
)

var (
	ErrNotFound        = errors.New("backend: not found")
	ErrUnauthorized    = errors.New("backend: unauthorized")
	ErrResultsNotReady = errors.New("backend: results not ready")
)

// HTTPError is returned for unmapped non-2xx responses.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend: status %d", e.Status)
}

// Credentials identify the respondent a call is made for.
type Credentials struct {
	Subject string
	Token   string
}

type credentialsKey struct{}

// WithCredentials returns a context carrying creds. The bearer token is
// forwarded on every call made with that context.
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// CredentialsFrom extracts the credentials stored by WithCredentials.
func CredentialsFrom(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	return c, ok
}

type requestIDKey struct{}

// WithRequestID tags calls made with ctx so LMS logs can be joined with ours.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  zerolog.Logger
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client implements engine.Backend and engine.Uploader over JSON/HTTP.
type Client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

var (
	_ engine.Backend  = (*Client)(nil)
	_ engine.Uploader = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) *Client {
	h := &http.Client{}
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		h = &c
	}
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	return &Client{
		base: cfg.BaseURL,
		http: h,
		log:  cfg.Logger.With().Str("component", "backend_client").Logger(),
	}
}

// envelope mirrors the LMS response shape.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) StartAttempt(ctx context.Context, evaluationID string) (*engine.AttemptGrant, error) {
	var grant engine.AttemptGrant
	path := "/evaluations/" + url.PathEscape(evaluationID) + "/attempts"
	if err := c.doJSON(ctx, http.MethodPost, path, struct{}{}, &grant); err != nil {
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	return &grant, nil
}

func (c *Client) SubmitAttempt(ctx context.Context, attemptID string, answers []engine.SubmittedAnswer) (*engine.SubmitAck, error) {
	if answers == nil {
		answers = []engine.SubmittedAnswer{}
	}
	var ack engine.SubmitAck
	body := map[string]any{"answers": answers}
	path := "/attempts/" + url.PathEscape(attemptID) + "/submit"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &ack); err != nil {
		return nil, fmt.Errorf("submit attempt: %w", err)
	}
	return &ack, nil
}

func (c *Client) SubmitFeedback(ctx context.Context, attemptID, text string) error {
	path := "/attempts/" + url.PathEscape(attemptID) + "/feedback"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"text": text}, nil); err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	return nil
}

func (c *Client) SubmitTP(ctx context.Context, evaluationID string, sub engine.TPSubmission) error {
	path := "/evaluations/" + url.PathEscape(evaluationID) + "/tp"
	if err := c.doJSON(ctx, http.MethodPost, path, sub, nil); err != nil {
		return fmt.Errorf("submit tp: %w", err)
	}
	return nil
}

func (c *Client) GetExamResults(ctx context.Context, attemptID string) (*engine.ExamResult, error) {
	var res engine.ExamResult
	path := "/attempts/" + url.PathEscape(attemptID) + "/results"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, fmt.Errorf("get exam results: %w", err)
	}
	return &res, nil
}

func (c *Client) GetMyCertificates(ctx context.Context) ([]engine.Certificate, error) {
	var certs []engine.Certificate
	if err := c.doJSON(ctx, http.MethodGet, "/me/certificates", nil, &certs); err != nil {
		return nil, fmt.Errorf("get certificates: %w", err)
	}
	return certs, nil
}

// Upload sends f as multipart/form-data and returns the stored file URL.
func (c *Client) Upload(ctx context.Context, f engine.File) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if _, err := io.Copy(part, f.Body); err != nil {
		return "", fmt.Errorf("upload file: read body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/uploads", &buf)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload file: empty url in response")
	}
	return out.URL, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if creds, ok := CredentialsFrom(ctx); ok && creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	if id, _ := ctx.Value(requestIDKey{}).(string); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", res.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Backend call")

	var env envelope
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && res.StatusCode/100 == 2 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if res.StatusCode/100 != 2 {
		return statusError(res.StatusCode, &env)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func statusError(status int, env *envelope) error {
	he := &HTTPError{Status: status}
	if env.Error != nil {
		he.Code = env.Error.Code
		he.Message = env.Error.Message
	}
	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, he)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, he)
	case http.StatusGone:
		return fmt.Errorf("%w: %w", engine.ErrLateSubmission, he)
	case http.StatusConflict, http.StatusLocked:
		return fmt.Errorf("%w: %w", ErrResultsNotReady, he)
	}
	return he
}
