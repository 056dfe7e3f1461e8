// Package gateway is the HTTP client for the server's capability surface:
// identity lookup, photo upload, signature submission and cancellation.
//
// Every call carries the pad UUID header. Transport failures map to
// fault.ErrTransport; non-success responses map to fault.ErrNotFound (lookup)
// or fault.RejectionError carrying the verbatim body (everything else).
package gateway

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

	"sigpad/cmd/internal/capture"
	"sigpad/cmd/internal/fault"
	"sigpad/cmd/internal/identity"
	v1 "sigpad/shared/contracts/pad/v1"
)

const (
	pathUserInfo  = "/api/v1/userinfo"
	pathPhoto     = "/api/v1/signature-pad/photo"
	pathSignature = "/api/v1/signature-pad/signature"
	pathCancel    = "/api/v1/signature-pad/cancel"

	defaultTimeout = 10 * time.Second

	// Server error bodies are shown to the operator; keep them bounded.
	maxErrorBody = 8 << 10
	// Identity payloads may embed a JPEG photo.
	maxIdentityBody = 4 << 20
)

// Client talks to the capability surface on behalf of one pad.
type Client struct {
	log   *slog.Logger
	base  *url.URL
	padID string
	http  *http.Client
}

// Option configures optional client dependencies.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if c == nil || hc == nil {
			return
		}
		c.http = hc
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if c == nil || log == nil {
			return
		}
		c.log = log
	}
}

// New constructs a Client for baseURL (scheme + host, optional path prefix).
func New(baseURL, padID string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fault.Configuration("gateway.New", "invalid server url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.Configuration("gateway.New", fmt.Sprintf("unsupported scheme: %q", u.Scheme), nil)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, fault.Configuration("gateway.New", "server url missing host", nil)
	}
	if strings.TrimSpace(padID) == "" {
		return nil, fault.Configuration("gateway.New", "pad id missing", nil)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		log:   slog.Default(),
		base:  u,
		padID: padID,
		http:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

// LookupIdentity resolves ref via GET /api/v1/userinfo.
func (c *Client) LookupIdentity(ctx context.Context, ref identity.SubjectRef) (identity.Identity, error) {
	const op = "gateway.LookupIdentity"

	q := url.Values{}
	q.Set(ref.Kind.String(), ref.Value)

	req, err := c.newRequest(ctx, http.MethodGet, pathUserInfo, q, nil)
	if err != nil {
		return identity.Identity{}, fault.Transport(op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return identity.Identity{}, fault.Transport(op, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return identity.Identity{}, fault.OpError{
			Op:   op,
			Kind: fault.ErrNotFound,
			Msg:  fmt.Sprintf("server error: %d", resp.StatusCode),
		}
	}

	var out identity.Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxIdentityBody)).Decode(&out); err != nil {
		return identity.Identity{}, fault.Transport(op, fmt.Errorf("decode identity: %w", err))
	}
	return out, nil
}

// UploadPhoto posts one side of an ID card as multipart form data.
// Card references travel as cardNumber, subject ids as subjectId.
func (c *Client) UploadPhoto(ctx context.Context, ref identity.SubjectRef, side capture.Side, photo capture.Photo) error {
	const op = "gateway.UploadPhoto"

	field := "subjectId"
	if ref.Kind == identity.RefCardCode {
		field = "cardNumber"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField(field, ref.Value); err != nil {
		return fault.Transport(op, err)
	}
	if err := mw.WriteField("side", string(side)); err != nil {
		return fault.Transport(op, err)
	}

	filename := photo.Filename
	if strings.TrimSpace(filename) == "" {
		filename = string(side) + ".jpg"
	}
	contentType := photo.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fault.Transport(op, err)
	}
	if _, err := part.Write(photo.Data); err != nil {
		return fault.Transport(op, err)
	}
	if err := mw.Close(); err != nil {
		return fault.Transport(op, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, pathPhoto, nil, &body)
	if err != nil {
		return fault.Transport(op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.expectSuccess(op, req)
}

// SubmitSignature posts the compact signed token as text/plain.
func (c *Client) SubmitSignature(ctx context.Context, token string) error {
	const op = "gateway.SubmitSignature"

	req, err := c.newRequest(ctx, http.MethodPost, pathSignature, nil, strings.NewReader(token))
	if err != nil {
		return fault.Transport(op, err)
	}
	req.Header.Set("Content-Type", "text/plain")

	return c.expectSuccess(op, req)
}

type cancelPayload struct {
	SubjectID string `json:"subjectId"`
	Timestamp int64  `json:"timestamp"`
}

// CancelSignature tells the server the operator aborted the capture.
func (c *Client) CancelSignature(ctx context.Context, subjectID string, at time.Time) error {
	const op = "gateway.CancelSignature"

	b, err := json.Marshal(cancelPayload{SubjectID: subjectID, Timestamp: at.UnixMilli()})
	if err != nil {
		return fault.Transport(op, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, pathCancel, nil, bytes.NewReader(b))
	if err != nil {
		return fault.Transport(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.expectSuccess(op, req)
}

// ---- helpers ----

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	// Set without canonicalization: servers match the underscore spelling.
	req.Header[v1.PadUUIDHeader] = []string{c.padID}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("gateway.request.fail", "method", req.Method, "path", req.URL.Path, "err", err)
		return nil, err
	}
	c.log.Debug("gateway.request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (c *Client) expectSuccess(op string, req *http.Request) error {
	resp, err := c.do(req)
	if err != nil {
		return fault.Transport(op, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return fault.Transport(op, err)
	}
	return fault.RejectionError{
		Op:     op,
		Status: resp.StatusCode,
		Body:   strings.TrimRight(string(b), "\r\n"),
	}
}

func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxErrorBody))
	_ = rc.Close()
}
