package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saldl-go/saldl/internal/chunk"
	"github.com/saldl-go/saldl/internal/params"
	"github.com/saldl-go/saldl/internal/saldlerr"
	"github.com/saldl-go/saldl/internal/storage"
	"github.com/saldl-go/saldl/internal/transport"
)

type fakeResponse struct {
	status  int
	body    []byte
	content int64
}

type fakeClient struct {
	responses []fakeResponse
	errs      []error
	calls     int32
}

func (f *fakeClient) Do(ctx context.Context, req transport.RangeRequest) (*transport.Response, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	r := f.responses[i]
	return &transport.Response{
		StatusCode:    r.status,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(r.body)),
		EffectiveURL:  req.URL,
		ContentLength: r.content,
	}, nil
}

func newTestPool(client transport.Client) (*Pool, *chunk.Chunk) {
	chunks := chunk.Split(10, 10)
	reg := chunk.NewRegistry(chunks)
	backend := storage.NewMemory()
	opts := params.Default()
	opts.NumConnections = 1
	log := logrus.NewEntry(logrus.New())

	pool := &Pool{
		Registry: reg,
		Backend:  backend,
		Client:   client,
		Opts:     opts,
		Log:      log,
		URL:      "https://example.com/f",
	}
	return pool, reg.At(0)
}

func TestRunChunk_SucceedsOnFirstAttempt(t *testing.T) {
	client := &fakeClient{
		responses: []fakeResponse{{status: http.StatusPartialContent, body: make([]byte, 10), content: 10}},
	}
	pool, c := newTestPool(client)

	err := pool.runChunk(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, chunk.Finished, c.Progress())
	assert.Equal(t, int64(10), c.SizeComplete())
}

func TestRunChunk_BadServerSizeMismatchIsFatal(t *testing.T) {
	client := &fakeClient{
		responses: []fakeResponse{{status: http.StatusPartialContent, body: make([]byte, 3), content: 3}},
	}
	pool, c := newTestPool(client)

	err := pool.runChunk(context.Background(), c)
	require.Error(t, err)
	var badServer *saldlerr.BadServer
	assert.True(t, errors.As(err, &badServer))
}

func TestRunChunk_ServerErrorIsFatalAfterClassification(t *testing.T) {
	client := &fakeClient{
		responses: []fakeResponse{{status: http.StatusNotFound, body: nil, content: 0}},
	}
	pool, c := newTestPool(client)

	err := pool.runChunk(context.Background(), c)
	require.Error(t, err)
	var fatal *saldlerr.Fatal
	assert.True(t, errors.As(err, &fatal))
}

func TestAttempt_NoDataIsSoftError(t *testing.T) {
	client := &fakeClient{
		responses: []fakeResponse{{status: http.StatusPartialContent, body: nil, content: 0}},
	}
	pool, c := newTestPool(client)

	err := pool.attempt(context.Background(), c)
	require.Error(t, err)
	var soft *saldlerr.Soft
	assert.True(t, errors.As(err, &soft))
}
