package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	kiterr "github.com/c0deZ3R0/recordsync/errors"
	"github.com/c0deZ3R0/recordsync/records"
)

type Client struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a new SSE client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  httpClient,
	}
}

// Dial opens the broadcast stream of rt. The stream lives until ctx is
// canceled, the server hangs up, or Close is called.
func (c *Client) Dial(ctx context.Context, rt records.ResourceType) (*Stream, error) {
	op := kiterr.OpSubscribe
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+url.PathEscape(string(rt))+"/events", nil)
	if err != nil {
		return nil, kiterr.E(op, kiterr.Component(component), kiterr.KindInvalid, err, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, kiterr.NewNetworkError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if resp.StatusCode == http.StatusNotFound {
			return nil, kiterr.E(op, kiterr.Component(component), kiterr.KindNotFound, err)
		}
		return nil, kiterr.NewNetworkError(op, err)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large lines
	return &Stream{body: resp.Body, scanner: sc, ctx: ctx}, nil
}

// Stream is one open broadcast subscription.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	ctx     context.Context
}

// Next blocks until the next message. It returns io.EOF when the server
// ends the stream. A malformed message yields a KindInvalid error and the
// stream stays usable.
func (s *Stream) Next(ctx context.Context) (records.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return records.Envelope{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if s.ctx.Err() != nil {
					return records.Envelope{}, s.ctx.Err()
				}
				return records.Envelope{}, kiterr.NewNetworkError(kiterr.OpSubscribe, err)
			}
			return records.Envelope{}, io.EOF
		}
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue // comments, retry hints and blank separators
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		env, err := records.DecodeBroadcast(data)
		if err != nil {
			return records.Envelope{}, kiterr.E(kiterr.OpDecode, kiterr.Component(component), kiterr.KindInvalid, err, "decode payload")
		}
		return env, nil
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}
