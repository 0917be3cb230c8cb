package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/records"
)

// Client calls the record mutation endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	options *ClientOptions
}

// NewClient creates an API client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpFetch, fmt.Errorf("invalid base URL %q: %w", baseURL, err))
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		options: DefaultClientOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := ValidateClientOptions(c.options); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpFetch, err)
	}
	return c, nil
}

// BaseURL returns the root the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// List fetches every entity of rt.
func (c *Client) List(ctx context.Context, rt records.ResourceType, opts records.ListOptions) ([]records.Entity, error) {
	path := c.collectionURL(rt)
	if opts.Sort != "" {
		path += "?_sort=" + url.QueryEscape(opts.Sort)
	}
	var out []records.Entity
	if err := c.read(ctx, syncErrors.OpFetch, path, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []records.Entity{}
	}
	return out, nil
}

// Get fetches one entity.
func (c *Client) Get(ctx context.Context, rt records.ResourceType, id string) (records.Entity, error) {
	var out records.Entity
	if err := c.read(ctx, syncErrors.OpFetch, c.entityURL(rt, id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts fields and returns the stored entity. A non-empty
// correlationID is sent in CorrelationHeader.
func (c *Client) Create(ctx context.Context, rt records.ResourceType, fields records.Entity, correlationID string) (records.Entity, error) {
	header := http.Header{}
	if correlationID != "" {
		header.Set(CorrelationHeader, correlationID)
	}
	return c.write(ctx, syncErrors.OpCreate, http.MethodPost, c.collectionURL(rt), fields, header)
}

// Update replaces the entity with id.
func (c *Client) Update(ctx context.Context, rt records.ResourceType, id string, e records.Entity) (records.Entity, error) {
	return c.write(ctx, syncErrors.OpUpdate, http.MethodPut, c.entityURL(rt, id), e, nil)
}

// Patch overlays fields on the entity with id.
func (c *Client) Patch(ctx context.Context, rt records.ResourceType, id string, fields records.Entity) (records.Entity, error) {
	return c.write(ctx, syncErrors.OpPatch, http.MethodPatch, c.entityURL(rt, id), fields, nil)
}

// Delete removes the entity with id.
func (c *Client) Delete(ctx context.Context, rt records.ResourceType, id string) error {
	_, err := c.write(ctx, syncErrors.OpDelete, http.MethodDelete, c.entityURL(rt, id), nil, nil)
	return err
}

func (c *Client) collectionURL(rt records.ResourceType) string {
	return c.baseURL + "/" + url.PathEscape(string(rt))
}

func (c *Client) entityURL(rt records.ResourceType, id string) string {
	return c.collectionURL(rt) + "/" + url.PathEscape(id)
}

// read performs an idempotent GET, retrying retryable failures with a
// doubling wait.
func (c *Client) read(ctx context.Context, op syncErrors.Operation, target string, out any) error {
	wait := c.options.RetryWaitMin
	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, op, http.MethodGet, target, nil, nil, out)
		if err == nil || !syncErrors.IsRetryable(err) || attempt >= c.options.RetryMax {
			return err
		}
		c.options.Logger.DebugContext(ctx, "retrying read",
			slog.String("url", target),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if c.options.RetryWaitMax > 0 && wait > c.options.RetryWaitMax {
			wait = c.options.RetryWaitMax
		}
	}
}

func (c *Client) write(ctx context.Context, op syncErrors.Operation, method, target string, body records.Entity, header http.Header) (records.Entity, error) {
	var out records.Entity
	if err := c.do(ctx, op, method, target, body, header, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op syncErrors.Operation, method, target string, body records.Entity, header http.Header, out any) error {
	if c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncErrors.NewValidationError(op, fmt.Errorf("encode request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "build request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return syncErrors.NewNetworkError(op, err)
	}
	defer resp.Body.Close()

	reader, cleanup, err := createSafeResponseReader(resp, c.options)
	if err != nil {
		return syncErrors.NewNetworkError(op, err)
	}
	defer cleanup()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp, reader)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(reader).Decode(out); err != nil && err != io.EOF {
		if errors.Is(err, errResponseTooLarge) {
			return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, errResponseTooLarge)
		}
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err, "decode response")
	}
	return nil
}

// statusError maps a non-2xx response to a SyncError.
func statusError(op syncErrors.Operation, resp *http.Response, body io.Reader) error {
	msg := resp.Status
	var eb errorBody
	if err := json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&eb); err == nil && eb.Error != "" {
		msg = eb.Error
	}
	cause := fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, msg)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindNotFound, cause)
	case resp.StatusCode == http.StatusConflict:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindConflict, cause)
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindMethodNotAllowed, cause)
	case resp.StatusCode >= 500:
		return syncErrors.NewNetworkError(op, cause)
	default:
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, cause)
	}
}
