// Package worker implements the worker pool: one goroutine per active
// connection, each bound to one chunk at a time, driving it through
// STARTED -> FINISHED with retry/backoff, grounded on the teacher's
// DownloadMultiStream.go (per-chunk goroutines, 32KB copy loop, explicit
// client timeouts) and on transfer.c's retry/backoff/bad-server-assert
// semantics described in spec.md §4.4.
package worker

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/internal/params"
	"github.com/saldl-go/saldl/internal/saldlerr"
	"github.com/saldl-go/saldl/internal/scheduler"
	"github.com/saldl-go/saldl/internal/storage"
	"github.com/saldl-go/saldl/internal/transport"
)

const copyBufSize = 32 * 1024

// Pool drives num_connections workers against the registry's chunks.
type Pool struct {
	Registry  *chunk.Registry
	Backend   storage.Backend
	Client    transport.Client
	Opts      *params.Options
	Log       *logrus.Entry
	Policy    scheduler.Policy
	URL       string
	SingleMode bool
}

// Run launches up to NumConnections concurrent workers, each repeatedly
// claiming the next NOT_STARTED chunk until none remain or ctx is done.
// It returns the first fatal error encountered, if any.
func (p *Pool) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.Opts.NumConnections))
	var firstErr error

	errCh := make(chan error, p.Registry.Len())
	active := 0

	for {
		c := scheduler.PickNext(p.Registry, p.Policy)
		if c == nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		p.Registry.SetProgress(c.Index, chunk.Queued)
		active++
		go func(c *chunk.Chunk) {
			defer sem.Release(1)
			errCh <- p.runChunk(ctx, c)
		}(c)
	}

	for i := 0; i < active; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// runChunk drives one chunk from QUEUED to FINISHED, retrying on
// transient failure with the {1,2,4,8,16,32}s backoff schedule.
func (p *Pool) runChunk(ctx context.Context, c *chunk.Chunk) error {
	p.Registry.SetProgress(c.Index, chunk.Started)

	backoffIdx := 0
	semiFatalAttempts := 0

	for {
		err := p.attempt(ctx, c)
		if err == nil {
			p.Registry.SetProgress(c.Index, chunk.Finished)
			return nil
		}

		var fatal *saldlerr.Fatal
		var badServer *saldlerr.BadServer
		if errors.As(err, &fatal) || errors.As(err, &badServer) {
			return err
		}

		var semiFatal *saldlerr.SemiFatal
		if errors.As(err, &semiFatal) {
			semiFatalAttempts++
			if semiFatalAttempts > params.SemiFatalRetryLimit {
				return saldlerr.NewFatal("worker: chunk %d: semi-fatal retries exhausted: %w", c.Index, err)
			}
		}

		p.Log.WithError(err).WithField("chunk", c.Index).Warn("chunk attempt failed, retrying")

		delay := params.BackoffSchedule[backoffIdx]
		backoffIdx = (backoffIdx + 1) % len(params.BackoffSchedule)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		onDisk, statErr := p.Backend.OnDiskSize(c.Index)
		if statErr == nil {
			resumeOffset := onDisk
			if resumeOffset > 0 {
				resumeOffset = tornTail(resumeOffset)
			}
			if resumeOffset > c.Size {
				resumeOffset = c.Size
			}
			c.Reset(resumeOffset)
			if err := p.Backend.Reset(c.Index, resumeOffset); err != nil {
				p.Log.WithError(err).WithField("chunk", c.Index).Warn("storage reset failed")
			}
		}
	}
}

func tornTail(size int64) int64 {
	if size < 4096 {
		return 0
	}
	return size - 4096
}

// attempt performs one HTTP range request for the chunk and copies bytes
// into storage, asserting the bad-server invariant along the way.
func (p *Pool) attempt(ctx context.Context, c *chunk.Chunk) error {
	if err := p.Backend.Prepare(c.Index); err != nil {
		return saldlerr.NewFatal("worker: chunk %d: prepare storage: %w", c.Index, err)
	}

	rangeEnd := c.RangeEnd
	noRange := p.SingleMode && !p.Opts.Resume && c.CurrRangeStart == c.RangeStart
	headers := p.Opts.RequestHeaders(p.URL)
	method := "GET"
	var postBody []byte
	if body, contentType, ok := p.Opts.PostBody(); ok {
		method = "POST"
		postBody = body
		if contentType != "" {
			headers["Content-Type"] = contentType
		}
	}
	req := transport.RangeRequest{
		Method:  method,
		URL:     p.URL,
		Start:   c.CurrRangeStart,
		End:     rangeEnd,
		Headers: headers,
		Body:    postBody,
	}
	if noRange {
		req.End = -1
		req.Start = 0
	}

	resp, err := p.Client.Do(ctx, req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return saldlerr.NewRetryable("worker: chunk %d: server returned %d", c.Index, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return saldlerr.NewFatal("worker: chunk %d: server returned %d", c.Index, resp.StatusCode)
	}
	if !noRange && resp.StatusCode != http.StatusPartialContent {
		return saldlerr.NewFatal("worker: chunk %d: expected 206, got %d", c.Index, resp.StatusCode)
	}

	wantSize := c.RangeEnd - c.CurrRangeStart + 1
	if resp.ContentLength > 0 && !noRange && resp.ContentLength != wantSize {
		return &saldlerr.BadServer{Want: wantSize, Got: resp.ContentLength}
	}

	buf := make([]byte, copyBufSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := p.Backend.Write(c.Index, buf[:n]); werr != nil {
				return saldlerr.NewFatal("worker: chunk %d: write: %w", c.Index, werr)
			}
			complete := c.SizeComplete() + int64(n)
			c.SetSizeComplete(complete)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return saldlerr.NewRetryable("worker: chunk %d: read: %w", c.Index, rerr)
		}
	}

	if c.SizeComplete() == 0 {
		return saldlerr.NewSoft("worker: chunk %d: no data received", c.Index)
	}

	if !noRange && c.SizeComplete() != c.Size {
		return saldlerr.NewRetryable("worker: chunk %d: partial, got %d of %d", c.Index, c.SizeComplete(), c.Size)
	}

	return nil
}

func classifyTransportError(err error) error {
	// DNS failures (*net.DNSError), TCP connect failures (*net.OpError with
	// Op "dial") and timeouts are Retryable; everything else (TLS handshake,
	// send errors, ...) is SemiFatal, matching the retryable/semi-fatal
	// split in spec.md §7.
	if errors.Is(err, context.DeadlineExceeded) {
		return saldlerr.NewRetryable("transport: timeout: %w", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return saldlerr.NewRetryable("transport: dns: %w", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return saldlerr.NewRetryable("transport: connect: %w", err)
	}
	return saldlerr.NewSemiFatal("transport: %w", err)
}
