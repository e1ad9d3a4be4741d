// Package backend talks to the dissemination and report endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/TheusHen/beacon/beacon/protocol"
	"github.com/TheusHen/beacon/beacon/signing"
)

const (
	PathExposed        = "/exposed"
	PathGaenExposed    = "/gaen/exposed"
	PathGaenNextDay    = "/gaen/exposednextday"
	HeaderSignature    = "Signature"
	HeaderRequestID    = "X-Request-Id"
	ContentTypeBatch   = "application/x-protobuf"
	maxErrorBodyLength = 512
	maxBatchBodyLength = 64 << 20
)

// Options configures a Client.
type Options struct {
	// BaseURL serves the published batches.
	BaseURL string
	// ReportURL receives reports; defaults to BaseURL.
	ReportURL string
	// Verifier checks batch signatures. Without one every batch is rejected.
	Verifier     *signing.Verifier
	MaxClockSkew time.Duration
	UserAgent    string
	HTTPClient   *http.Client
	// Limiter bounds the request rate; nil means unlimited.
	Limiter *rate.Limiter
	Now     func() time.Time
	Logger  *slog.Logger
}

// Client is a backend client.
type Client struct {
	base   string
	report string
	opts   Options
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	if opts.ReportURL == "" {
		opts.ReportURL = opts.BaseURL
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = DefaultMaxClockSkew
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "beacon"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		report: strings.TrimRight(opts.ReportURL, "/"),
		opts:   opts,
	}, nil
}

// FetchBatch downloads the batch released at releaseTime and checks its
// status, signature and clock skew before decoding it.
func (c *Client) FetchBatch(ctx context.Context, releaseTime time.Time) (protocol.ExposedList, error) {
	url := c.base + PathExposed + "/" + strconv.FormatInt(releaseTime.UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return protocol.ExposedList{}, err
	}
	req.Header.Set("Accept", ContentTypeBatch)

	resp, err := c.do(req)
	if err != nil {
		return protocol.ExposedList{}, err
	}
	defer resp.Body.Close()
	receivedAt := c.opts.Now()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return protocol.ExposedList{}, statusError("fetch batch", resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBatchBodyLength))
	if err != nil {
		return protocol.ExposedList{}, fmt.Errorf("%w: read batch: %v", ErrNetwork, err)
	}
	// An empty 204 batch is signed over the empty body like any other.
	if err := c.opts.Verifier.VerifyAt(body, resp.Header.Get(HeaderSignature), receivedAt); err != nil {
		return protocol.ExposedList{}, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
	if err := CheckClockSkew(resp.Header, receivedAt, c.opts.MaxClockSkew); err != nil {
		return protocol.ExposedList{}, err
	}
	if resp.StatusCode == http.StatusNoContent {
		c.opts.Logger.Debug("batch_fetched", "release_time", releaseTime.UnixMilli(), "cases", 0)
		return protocol.ExposedList{BatchReleaseTime: releaseTime.UnixMilli()}, nil
	}
	list, err := protocol.UnmarshalExposedList(body)
	if err != nil {
		return protocol.ExposedList{}, err
	}
	c.opts.Logger.Debug("batch_fetched", "release_time", releaseTime.UnixMilli(), "cases", len(list.Exposed))
	return list, nil
}

// Report posts a legacy single-key report.
func (c *Client) Report(ctx context.Context, r protocol.ExposeeRequest, authorization string) error {
	resp, err := c.postJSON(ctx, PathExposed, r, authorization)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("report", resp)
	}
	return nil
}

// ReportGaen posts a rotating-key report and returns the token to use for the
// delayed next-day upload.
func (c *Client) ReportGaen(ctx context.Context, r protocol.GaenRequest, authorization string) (string, error) {
	resp, err := c.postJSON(ctx, PathGaenExposed, r, authorization)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", statusError("report gaen", resp)
	}
	return resp.Header.Get("Authorization"), nil
}

// ReportNextDay posts the delayed key of a rotating-key report.
func (c *Client) ReportNextDay(ctx context.Context, r protocol.GaenSecondDay, token string) error {
	resp, err := c.postJSON(ctx, PathGaenNextDay, r, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("report next day", resp)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any, authorization string) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.report+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
