// Package source connects to live audio byte streams.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrUnexpectedStatus is returned when the upstream answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected status")

const defaultUserAgent = "radio-timeshift/1.0"

type HTTPConfig struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	UserAgent      string
	Headers        map[string]string
}

// HTTPSource opens one GET request per Connect. Reconnecting is the caller's
// job: call Connect again after the body fails.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTPSource {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableCompression:    true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   0, // No total timeout for streaming
	}

	return &HTTPSource{
		cfg:    cfg,
		client: client,
	}
}

// URI returns the configured stream URL.
func (h *HTTPSource) URI() string {
	return h.cfg.URL
}

func (h *HTTPSource) Connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Inline ICY metadata would corrupt the recorded byte stream
	req.Header.Set("Icy-MetaData", "0")

	ua := h.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	for k, v := range h.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	if h.cfg.ReadTimeout <= 0 {
		return resp.Body, nil
	}
	return newIdleTimeoutBody(resp.Body, h.cfg.ReadTimeout), nil
}

// idleTimeoutBody closes the body when no Read completes within timeout, so a
// silent upstream surfaces as a read error instead of blocking forever.
type idleTimeoutBody struct {
	io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{ReadCloser: rc, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() { rc.Close() })
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}
