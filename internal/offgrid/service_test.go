package offgrid

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, origin string, extra string) *Service {
	t.Helper()
	raw := fmt.Sprintf("storage:\n  path: %s\nserver:\n  origin: %s\n%s", t.TempDir(), origin, extra)
	cfg, err := ParseConfig([]byte(raw))
	require.NoError(t, err)
	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func deadOrigin(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

// pageOrigin serves a small HTML page for every path and records mutations.
type pageOrigin struct {
	mu        sync.Mutex
	mutations []*http.Request
	bodies    []string
}

func (o *pageOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isMutating(r.Method) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.mutations = append(o.mutations, r)
		o.bodies = append(o.bodies, string(b))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, "page %s", r.URL.Path)
}

func serve(svc *Service, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)
	return rec
}

var navigateHeader = http.Header{"Sec-Fetch-Mode": {"navigate"}, "Accept": {"text/html"}}

func TestService_OfflineMutationIsQueued(t *testing.T) {
	svc := newTestService(t, deadOrigin(t), "")

	rec := serve(svc, http.MethodPost, "/api/quote", `{"from":"Oslo","to":"Riga"}`,
		http.Header{"Content-Type": {"application/json"}})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(HeaderQueued))
	assert.Equal(t, "1", rec.Header().Get(HeaderQueueID))
	assert.Equal(t, OutcomeQueued, rec.Header().Get(HeaderOutcome))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), HeaderQueued)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "offline", body["error"])
	assert.NotEmpty(t, body["timestamp"])

	entries, err := svc.queue.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/api/quote", entries[0].URL)
	assert.Equal(t, http.MethodPost, entries[0].Method)
	assert.Equal(t, `{"from":"Oslo","to":"Riga"}`, entries[0].Body)
	assert.Contains(t, entries[0].Headers, HeaderField{Name: "Content-Type", Value: "application/json"})

	status := serve(svc, http.MethodGet, "/__offgrid/status", "", nil)
	require.Equal(t, http.StatusOK, status.Code)
	var st statusBody
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &st))
	assert.True(t, st.HasPendingOperations)
}

func TestService_OfflineNonMutatingIsNotQueued(t *testing.T) {
	svc := newTestService(t, deadOrigin(t), "")

	rec := serve(svc, http.MethodGet, "/api/rates", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderQueued))

	rec = serve(svc, http.MethodPatch, "/api/quote/1", "{}", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderQueued))

	n, err := svc.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_OnlineMutationPassesThrough(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)
	svc := newTestService(t, srv.URL, "")

	rec := serve(svc, http.MethodPut, "/api/quote/7", `{"ok":true}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, OutcomeNetwork, rec.Header().Get(HeaderOutcome))

	n, err := svc.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_PrecacheServesOffline(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	svc := newTestService(t, srv.URL, "")

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateActive, svc.lifecycle.State())
	srv.Close()

	rec := serve(svc, http.MethodGet, "/about", "", navigateHeader)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "page /about", rec.Body.String())
	assert.Equal(t, OutcomeHit, rec.Header().Get(HeaderOutcome))
	assert.NotEmpty(t, rec.Header().Get(HeaderCacheDate))

	rec = serve(svc, http.MethodGet, "/never-visited", "", navigateHeader)
	assert.Equal(t, OutcomeOfflinePage, rec.Header().Get(HeaderOutcome))
	assert.Equal(t, "page /offline.html", rec.Body.String())

	rec = serve(svc, http.MethodGet, "/img/truck.png", "", nil)
	assert.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestService_SyncEndpointReplaysQueue(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)
	svc := newTestService(t, srv.URL, "")

	id, err := svc.queue.Enqueue(context.Background(), QueuedRequest{
		URL:     "/api/quote",
		Method:  http.MethodPost,
		Headers: []HeaderField{{Name: "Content-Type", Value: "application/json"}},
		Body:    `{"queued":true}`,
	})
	require.NoError(t, err)

	rec := serve(svc, http.MethodPost, "/__offgrid/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []uint64{id}, res.Succeeded)
	assert.Empty(t, res.Failed)

	origin.mu.Lock()
	defer origin.mu.Unlock()
	require.Len(t, origin.mutations, 1)
	assert.Equal(t, fmt.Sprint(id), origin.mutations[0].Header.Get(HeaderReplay))
	assert.Equal(t, "application/json", origin.mutations[0].Header.Get("Content-Type"))
	assert.Equal(t, `{"queued":true}`, origin.bodies[0])

	queue := serve(svc, http.MethodGet, "/__offgrid/queue", "", nil)
	assert.JSONEq(t, "[]", queue.Body.String())
}

func TestService_BypassRule(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)
	svc := newTestService(t, srv.URL, "rules:\n  - match: PathPrefix(/admin)\n    bypass: true\n")
	require.NoError(t, svc.Start(context.Background()))

	rec := serve(svc, http.MethodGet, "/admin/panel", "", navigateHeader)
	assert.Equal(t, OutcomeBypass, rec.Header().Get(HeaderOutcome))
	assert.Equal(t, "page /admin/panel", rec.Body.String())

	_, ok, err := svc.lifecycle.Current().Match("GET /admin/panel")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_BypassWhenCookies(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)
	svc := newTestService(t, srv.URL, "rules:\n  - match: PathPrefix(/account)\n    bypassWhenCookies: [session]\n")
	require.NoError(t, svc.Start(context.Background()))

	rec := serve(svc, http.MethodGet, "/account", "", http.Header{"Cookie": {"session=abc"}})
	assert.Equal(t, OutcomeIgnoreCookie, rec.Header().Get(HeaderOutcome))

	rec = serve(svc, http.MethodGet, "/account", "", navigateHeader)
	assert.Equal(t, OutcomeMiss, rec.Header().Get(HeaderOutcome))
}

func TestService_InstallEndpointRetries(t *testing.T) {
	var ready atomic.Bool
	pages := &pageOrigin{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		pages.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	svc := newTestService(t, srv.URL, "")

	require.Error(t, svc.Start(context.Background()))
	assert.Equal(t, StateRedundant, svc.lifecycle.State())

	ready.Store(true)
	rec := serve(svc, http.MethodPost, "/__offgrid/install", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, StateActive, st.Lifecycle)
	assert.Equal(t, "offgrid-v1", st.Generation)
}

func TestService_OversizedBodyIsRejected(t *testing.T) {
	svc := newTestService(t, deadOrigin(t), "")
	svc.cfg.Server.MaxBodySize = 1 << 10

	rec := serve(svc, http.MethodPost, "/api/quote", strings.Repeat("x", 1<<10+1), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderQueued))
	n, err := svc.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a cut body must never be queued")

	rec = serve(svc, http.MethodPost, "/api/quote", strings.Repeat("y", 1<<10), nil)
	assert.Equal(t, "true", rec.Header().Get(HeaderQueued))
	entries, err := svc.queue.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Body, 1<<10)
}

func TestService_OversizedBodyIsNotForwarded(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	t.Cleanup(srv.Close)
	svc := newTestService(t, srv.URL, "")
	svc.cfg.Server.MaxBodySize = 1 << 10

	rec := serve(svc, http.MethodPut, "/api/quote/1", strings.Repeat("x", 4<<10), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	origin.mu.Lock()
	defer origin.mu.Unlock()
	assert.Empty(t, origin.mutations)
}

func TestService_CrossOriginPassesThrough(t *testing.T) {
	svc := newTestService(t, "http://origin.invalid", "")
	other := &pageOrigin{}
	otherSrv := httptest.NewServer(other)
	t.Cleanup(otherSrv.Close)

	rec := serve(svc, http.MethodPost, otherSrv.URL+"/api/x", `{"a":1}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, OutcomeBypass, rec.Header().Get(HeaderOutcome))

	other.mu.Lock()
	require.Len(t, other.mutations, 1)
	assert.Equal(t, `{"a":1}`, other.bodies[0])
	other.mu.Unlock()

	rec = serve(svc, http.MethodPost, deadOrigin(t)+"/api/x", `{"a":2}`, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, OutcomeBadGateway, rec.Header().Get(HeaderOutcome))
	assert.Empty(t, rec.Header().Get(HeaderQueued))

	n, err := svc.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "cross-origin requests are never queued")
}

func TestService_QueueStoreFailure(t *testing.T) {
	svc := newTestService(t, deadOrigin(t), "")
	require.NoError(t, svc.queue.Close())

	rec := serve(svc, http.MethodPost, "/api/quote", `{"n":1}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get(HeaderQueued))
	assert.Empty(t, rec.Header().Get(HeaderQueueID))
	assert.Equal(t, OutcomeUnavailable, rec.Header().Get(HeaderOutcome))
}

func TestService_HeadFallsBackToCachedGet(t *testing.T) {
	origin := &pageOrigin{}
	srv := httptest.NewServer(origin)
	svc := newTestService(t, srv.URL, "")
	require.NoError(t, svc.Start(context.Background()))

	rec := serve(svc, http.MethodHead, "/about", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeNetwork, rec.Header().Get(HeaderOutcome))

	srv.Close()
	rec = serve(svc, http.MethodHead, "/about", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, OutcomeFallbackCache, rec.Header().Get(HeaderOutcome))
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Zero(t, rec.Body.Len())

	rec = serve(svc, http.MethodHead, "/never-visited", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// nextEvent reads one server-sent event, skipping keepalive comments.
func nextEvent(t *testing.T, sc *bufio.Scanner) (name, data string) {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())
	t.Fatal("event stream ended")
	return "", ""
}

func TestService_EventsStream(t *testing.T) {
	svc := newTestService(t, deadOrigin(t), "")
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/__offgrid/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	name, data := nextEvent(t, sc)
	assert.Equal(t, "status", name)
	assert.Contains(t, data, `"lifecycle":"parsed"`)
	assert.Contains(t, data, `"isOffline":false`)

	// the stream subscribes before it writes the status event
	svc.hub.publishConnectivity(ConnectivityEvent{IsOffline: true})
	name, data = nextEvent(t, sc)
	assert.Equal(t, "offline-change", name)
	assert.JSONEq(t, `{"isOffline":true}`, data)

	svc.hub.publishSync(SyncEvent{Succeeded: 2, Failed: 1})
	name, data = nextEvent(t, sc)
	assert.Equal(t, "sync-complete", name)
	assert.Contains(t, data, `"succeeded":2`)
	assert.Contains(t, data, `"failed":1`)
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, HeaderOutcome)
	ensureExposedHeader(h, HeaderOutcome)
	assert.Equal(t, "ETag, X-Offgrid", h.Get("Access-Control-Expose-Headers"))

	empty := http.Header{}
	ensureExposedHeader(empty, HeaderQueued)
	assert.Equal(t, HeaderQueued, empty.Get("Access-Control-Expose-Headers"))
}

func TestIsNavigation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/about", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.True(t, isNavigation(req))

	req = httptest.NewRequest(http.MethodGet, "/about", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	assert.True(t, isNavigation(req))

	req = httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Accept", "text/html")
	assert.False(t, isNavigation(req))

	req = httptest.NewRequest(http.MethodPost, "/api/quote", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	assert.False(t, isNavigation(req))
}
