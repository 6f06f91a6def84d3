// Package transport is the narrow collaborator boundary around net/http:
// given a URL, a byte range, headers and an optional request body, it
// performs one HTTP request and hands back the response body as a reader. It deliberately does not implement TLS, compression, or
// cookie handling itself -- that is net/http's job.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saldl-go/saldl/internal/params"
)

// RangeRequest describes one ranged or plain GET/HEAD.
type RangeRequest struct {
	Method  string // "GET", "HEAD", or "POST"
	URL     string
	Start   int64
	End     int64 // inclusive; End < 0 means no upper bound: no Range header when Start is 0, "bytes=Start-" otherwise
	Headers map[string]string
	// Body is sent as-is when non-nil, implementing --post/--raw-post.
	Body    []byte
	NoHTTP2 bool
	// Probe marks a probe request, which gets the relaxed 75s low-speed
	// window instead of the normal 10s transfer window.
	Probe bool
}

// Response is the subset of *http.Response the engine cares about.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	EffectiveURL  string
	ContentLength int64
}

// Client performs a single ranged request. Implementations must honor
// ctx cancellation.
type Client interface {
	Do(ctx context.Context, req RangeRequest) (*Response, error)
}

// HTTPClient is the default Client, built the way the teacher's
// DownloadMultiStream.go builds its http.Client: explicit dial/TLS/
// response-header timeouts and a deliberately unset top-level Timeout,
// since that field would cut off legitimately slow, large transfers.
type HTTPClient struct {
	client            *http.Client
	client2           *http.Client // HTTP/2 disabled, used for the downgrade-and-retry path
	lowSpeedTime      time.Duration
	lowSpeedTimeProbe time.Duration
	lowSpeedMin       int64
	maxRate           int64
	noTimeouts        bool
	tlsNoVerify       bool
}

func NewHTTPClient(opts *params.Options) *HTTPClient {
	dialer := &net.Dialer{Timeout: 15 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: 15 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DisableKeepAlives:     opts.NoTCPKeepAlive,
		DisableCompression:    opts.NoDecompress || opts.NoCompress,
		Proxy:                 proxyFunc(opts),
	}
	transport2 := transport.Clone()
	transport2.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	transport2.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.TLSNoVerify}
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.TLSNoVerify}

	return &HTTPClient{
		// DO NOT SET THE TOP-LEVEL TIMEOUT FIELD: it would cap the whole
		// download, not just connection setup.
		client:            &http.Client{Transport: transport},
		client2:           &http.Client{Transport: transport2},
		lowSpeedTime:      params.LowSpeedTime,
		lowSpeedTimeProbe: params.LowSpeedTimeProbe,
		lowSpeedMin:       params.LowSpeedLimit,
		maxRate:           opts.ConnectionMaxRate,
		noTimeouts:        opts.NoTimeouts,
		tlsNoVerify:       opts.TLSNoVerify,
	}
}

// proxyFunc resolves --proxy/--no-proxy into an http.Transport.Proxy hook:
// no-proxy disables the environment-derived default entirely, an explicit
// --proxy URL overrides it, otherwise the usual HTTP_PROXY/HTTPS_PROXY/
// NO_PROXY env vars apply. --tunnel-proxy needs no extra wiring: net/http
// already CONNECT-tunnels HTTPS requests through a configured proxy.
func proxyFunc(opts *params.Options) func(*http.Request) (*url.URL, error) {
	if opts.NoProxy {
		return nil
	}
	if opts.Proxy == "" {
		return http.ProxyFromEnvironment
	}
	proxyURL, err := url.Parse(opts.Proxy)
	if err != nil {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(proxyURL)
}

func (c *HTTPClient) Do(ctx context.Context, rr RangeRequest) (*Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	var bodyReader io.Reader
	if rr.Body != nil {
		bodyReader = bytes.NewReader(rr.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, rr.Method, rr.URL, bodyReader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, v := range rr.Headers {
		req.Header.Set(k, v)
	}
	if rr.End >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rr.Start, rr.End))
	} else if rr.Start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rr.Start))
	}

	client := c.client
	if rr.NoHTTP2 {
		client = c.client2
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	cl := resp.ContentLength
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			cl = n
		}
	}

	body := io.ReadCloser(&cancelOnClose{ReadCloser: resp.Body, cancel: cancel})
	if !c.noTimeouts && c.lowSpeedMin > 0 {
		window := c.lowSpeedTime
		if rr.Probe {
			window = c.lowSpeedTimeProbe
		}
		if window > 0 {
			body = newLowSpeedReader(reqCtx, body, c.lowSpeedMin, window, cancel)
		}
	}
	if c.maxRate > 0 && !rr.Probe {
		body = &maxRateReader{ReadCloser: body, limit: c.maxRate, windowStart: time.Now()}
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          body,
		EffectiveURL:  resp.Request.URL.String(),
		ContentLength: cl,
	}, nil
}

// maxRateReader enforces --connection-max-rate by sleeping once a
// per-connection byte budget is exceeded within a 1-second window, a
// stdlib-only stand-in for a token bucket since nothing in the example
// corpus exercises a rate-limiting library for this narrow concern.
type maxRateReader struct {
	io.ReadCloser
	limit       int64
	mu          sync.Mutex
	windowStart time.Time
	windowBytes int64
}

func (r *maxRateReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.mu.Lock()
		now := time.Now()
		if now.Sub(r.windowStart) >= time.Second {
			r.windowStart = now
			r.windowBytes = 0
		}
		r.windowBytes += int64(n)
		if r.windowBytes >= r.limit {
			sleepFor := time.Second - now.Sub(r.windowStart)
			r.windowStart = time.Now()
			r.windowBytes = 0
			r.mu.Unlock()
			if sleepFor > 0 {
				time.Sleep(sleepFor)
			}
		} else {
			r.mu.Unlock()
		}
	}
	return n, err
}

// cancelOnClose cancels the request context once the body is closed, so a
// successfully-drained response still releases reqCtx instead of leaking it
// until the parent ctx is done.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// lowSpeedReader enforces curl-style low-speed-limit/low-speed-time
// semantics: if fewer than minBytes arrive during any second for window
// consecutive seconds, the request is aborted via ctx cancellation,
// mirroring transfer.c's CURLOPT_LOW_SPEED_LIMIT/CURLOPT_LOW_SPEED_TIME
// pair.
type lowSpeedReader struct {
	io.ReadCloser
	read   int64
	done   chan struct{}
	closed int32
}

func newLowSpeedReader(ctx context.Context, body io.ReadCloser, minBytes int64, window time.Duration, cancel context.CancelFunc) *lowSpeedReader {
	r := &lowSpeedReader{ReadCloser: body, done: make(chan struct{})}
	go r.watch(ctx, minBytes, window, cancel)
	return r
}

func (r *lowSpeedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		atomic.AddInt64(&r.read, int64(n))
	}
	return n, err
}

func (r *lowSpeedReader) Close() error {
	if atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		close(r.done)
	}
	return r.ReadCloser.Close()
}

func (r *lowSpeedReader) watch(ctx context.Context, minBytes int64, window time.Duration, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var slow time.Duration
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.SwapInt64(&r.read, 0) < minBytes {
				slow += time.Second
				if slow >= window {
					cancel()
					return
				}
			} else {
				slow = 0
			}
		}
	}
}
