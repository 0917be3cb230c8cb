// Package client keeps local, offline-capable copies of the record
// collections in sync with a record server over both delivery channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/c0deZ3R0/recordsync/bus"
	"github.com/c0deZ3R0/recordsync/cache"
	"github.com/c0deZ3R0/recordsync/logging"
	"github.com/c0deZ3R0/recordsync/metrics"
	"github.com/c0deZ3R0/recordsync/records"
	"github.com/c0deZ3R0/recordsync/transport/httptransport"
	"github.com/c0deZ3R0/recordsync/transport/sse"
	"github.com/c0deZ3R0/recordsync/transport/ws"
)

const component = "client"

var (
	// ErrClosed is returned by operations on a closed client or resource.
	ErrClosed = errors.New("client is closed")

	errMissingAPI = errors.New("an API is required")
)

func errUnknownResource(rt records.ResourceType) error {
	return fmt.Errorf("unknown resource type %q", rt)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the record server root, e.g. "http://localhost:3001".
	BaseURL    string
	HTTPClient *http.Client

	// RequestTimeout bounds each API request. Zero keeps the transport default.
	RequestTimeout time.Duration

	// Cache holds offline snapshots. Defaults to an in-memory cache.
	Cache cache.OfflineCache

	// Channels selects the delivery channels ("sse", "ws"). Defaults to both.
	Channels []string

	NewBackoff      func() BackoffStrategy
	MaxAttempts     int
	SettleWindow    time.Duration
	RefetchDelay    time.Duration
	BulkConcurrency int

	OnStateChange func(rt records.ResourceType, status ConnectionStatus)

	Logger  *logging.Logger
	Metrics metrics.Collector
}

// Client owns one ResourceSync per resource type plus the shared
// notification feed.
type Client struct {
	opts          Options
	api           *httptransport.Client
	dialers       []Dialer
	notifications *Notifications
	logger        *logging.Logger

	mu        sync.Mutex
	resources map[records.ResourceType]*ResourceSync
	closed    bool
}

// New creates a client for the server at opts.BaseURL.
func New(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent(logging.Component(component))
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if len(opts.Channels) == 0 {
		opts.Channels = []string{bus.ChannelBroadcast, bus.ChannelRoom}
	}

	apiOpts := []httptransport.ClientOption{httptransport.WithClientLogger(opts.Logger)}
	if opts.HTTPClient != nil {
		apiOpts = append(apiOpts, httptransport.WithHTTPClient(opts.HTTPClient))
	}
	if opts.RequestTimeout > 0 {
		apiOpts = append(apiOpts, httptransport.WithClientTimeout(opts.RequestTimeout))
	}
	api, err := httptransport.NewClient(opts.BaseURL, apiOpts...)
	if err != nil {
		return nil, err
	}

	var dialers []Dialer
	for _, ch := range opts.Channels {
		switch ch {
		case bus.ChannelBroadcast:
			dialers = append(dialers, SSEDialer{Client: sse.NewClient(opts.BaseURL, opts.HTTPClient)})
		case bus.ChannelRoom:
			dialers = append(dialers, WSDialer{Client: ws.NewClient(opts.BaseURL)})
		default:
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
	}

	return &Client{
		opts:          opts,
		api:           api,
		dialers:       dialers,
		notifications: NewNotifications(DefaultNotificationLimit),
		logger:        opts.Logger,
		resources:     make(map[records.ResourceType]*ResourceSync),
	}, nil
}

// API returns the underlying endpoint client.
func (c *Client) API() *httptransport.Client { return c.api }

// Notifications returns the shared notification feed.
func (c *Client) Notifications() *Notifications { return c.notifications }

// Resource returns the ResourceSync for rt, creating it on first use.
func (c *Client) Resource(rt records.ResourceType) (*ResourceSync, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if rs, ok := c.resources[rt]; ok {
		return rs, nil
	}

	var listOpts records.ListOptions
	if rt == records.Departments {
		listOpts.Sort = "order"
	}
	rs, err := NewResourceSync(rt, ResourceOptions{
		API:             c.api,
		Cache:           c.opts.Cache,
		Dialers:         c.dialers,
		NewBackoff:      c.opts.NewBackoff,
		MaxAttempts:     c.opts.MaxAttempts,
		SettleWindow:    c.opts.SettleWindow,
		RefetchDelay:    c.opts.RefetchDelay,
		BulkConcurrency: c.opts.BulkConcurrency,
		ListOptions:     listOpts,
		Notifications:   c.notifications,
		OnStateChange:   c.opts.OnStateChange,
		Logger:          c.logger,
		Metrics:         c.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.resources[rt] = rs
	return rs, nil
}

// Start starts synchronizing every rt, defaulting to all resource types.
// Fetch failures are joined; supervision runs regardless.
func (c *Client) Start(ctx context.Context, rts ...records.ResourceType) error {
	if len(rts) == 0 {
		rts = records.AllResources()
	}
	var errs []error
	for _, rt := range rts {
		rs, err := c.Resource(rt)
		if err != nil {
			return err
		}
		if err := rs.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt, err))
		}
	}
	return errors.Join(errs...)
}

// Close tears down every ResourceSync and the offline cache.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	resources := c.resources
	c.resources = nil
	c.mu.Unlock()

	var errs []error
	for _, rs := range resources {
		errs = append(errs, rs.Close())
	}
	errs = append(errs, c.opts.Cache.Close())
	return errors.Join(errs...)
}
