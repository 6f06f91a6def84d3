package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saldl-go/saldl/internal/params"
	"github.com/saldl-go/saldl/internal/transport"
)

func rangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			if r.Method != http.MethodHead {
				w.Write(content)
			}
			return
		}

		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ := strconv.Atoi(parts[0])
		end := len(content) - 1
		if len(parts) > 1 && parts[1] != "" {
			end, _ = strconv.Atoi(parts[1])
		}
		if end > len(content)-1 {
			end = len(content) - 1
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method != http.MethodHead {
			w.Write(content[start : end+1])
		}
	}))
}

func makeContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestSession_Run_SegmentedDownloadHappyPath(t *testing.T) {
	content := makeContent(50000)
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()

	opts := params.Default()
	opts.URL = srv.URL + "/file.bin"
	opts.ChunkSize = 10000
	opts.NumConnections = 4
	opts.RootDir = dir
	opts.OutputFilename = "out.bin"
	opts.NoStatus = true

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client := transport.NewHTTPClient(opts)
	s := New(opts, log, client)

	err := s.Run(context.Background())
	require.NoError(t, err)

	final := filepath.Join(dir, "out.bin")
	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(final + ".ctrl.sal")
	assert.True(t, os.IsNotExist(err), "control file should be removed on success")
	_, err = os.Stat(final + ".tmp.sal")
	assert.True(t, os.IsNotExist(err), "tmp dir should be removed on success")
}

func TestSession_ProbeOnly_DoesNotCreateFiles(t *testing.T) {
	content := makeContent(20000)
	srv := rangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	opts := params.Default()
	opts.URL = srv.URL + "/file.bin"
	opts.RootDir = dir

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	client := transport.NewHTTPClient(opts)
	s := New(opts, log, client)

	info, err := s.ProbeOnly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20000), info.FileSize)
	assert.True(t, info.RangeSupport)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
