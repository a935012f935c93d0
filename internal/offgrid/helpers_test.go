package offgrid

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(req *Request) (CacheEntry, error)
}

func newFakeFetcher(respond func(req *Request) (CacheEntry, error)) *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, respond: respond}
}

func (f *fakeFetcher) Fetch(_ context.Context, req *Request) (CacheEntry, error) {
	f.mu.Lock()
	f.calls[req.Key()]++
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

var errOffline = platformerrors.New(platformerrors.CodeNetwork, "dial tcp: connection refused")

func offlineFetch(*Request) (CacheEntry, error) { return CacheEntry{}, errOffline }

func textEntry(status int, body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return CacheEntry{Status: status, Header: h, Body: []byte(body)}
}

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()
	s, err := OpenCacheStore(filepath.Join(t.TempDir(), "cache"), 1<<20, 16<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func getRequest(t *testing.T, rawPath string, navigate bool) *Request {
	t.Helper()
	u, err := url.Parse(rawPath)
	require.NoError(t, err)
	return &Request{Method: http.MethodGet, URL: u, Header: make(http.Header), Navigate: navigate}
}
