package offgrid

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Strategy int

const (
	NetworkFirst Strategy = iota
	CacheFirst
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "network-first"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network-first":
		return NetworkFirst, nil
	case "cache-first":
		return CacheFirst, nil
	case "stale-while-revalidate", "swr":
		return StaleWhileRevalidate, nil
	}
	return NetworkFirst, fmt.Errorf("unknown strategy %q", s)
}

var staticExt = map[string]bool{}

func init() {
	groups := [][]string{
		// images
		{"png", "jpg", "jpeg", "gif", "svg", "webp", "avif", "ico", "bmp"},
		// styles and scripts
		{"css", "js", "mjs", "map"},
		// fonts and media
		{"woff", "woff2", "ttf", "otf", "eot", "mp4", "webm", "mp3", "wav", "ogg"},
	}
	for _, g := range groups {
		for _, ext := range g {
			staticExt["."+ext] = true
		}
	}
}

// Classify maps a request path to its caching strategy. First match wins:
// API calls, static assets, HTML routes, everything else.
func Classify(p string) Strategy {
	if strings.Contains(p, "/api/") {
		return NetworkFirst
	}
	ext := strings.ToLower(path.Ext(p))
	if staticExt[ext] {
		return CacheFirst
	}
	if p == "/" || ext == ".html" || ext == ".htm" || ext == "" {
		return StaleWhileRevalidate
	}
	return NetworkFirst
}

// Response outcomes, reported in the X-Offgrid header.
const (
	OutcomeHit           = "hit"
	OutcomeStale         = "stale"
	OutcomeMiss          = "miss"
	OutcomeNetwork       = "network"
	OutcomeFallbackCache = "fallback-cache"
	OutcomeOfflinePage   = "offline-page"
	OutcomeUnavailable   = "unavailable"
	OutcomeQueued        = "queued"
	OutcomeBypass        = "bypass"
	OutcomeIgnoreCookie  = "ignore-by-cookie"
	OutcomeBadGateway    = "bad-gateway"
)

type Response struct {
	CacheEntry
	Outcome string
}

// Engine executes strategies against the current cache generation and the
// network.
type Engine struct {
	fetch       Fetcher
	generation  func() *Generation
	freshness   time.Duration
	offlinePage string
	now         func() time.Time

	bgSem    chan struct{}
	wg       sync.WaitGroup
	inflight singleflight.Group

	log *rateLimitedLogger
}

func NewEngine(fetch Fetcher, generation func() *Generation, freshness time.Duration, offlinePage string) *Engine {
	return &Engine{
		fetch:       fetch,
		generation:  generation,
		freshness:   freshness,
		offlinePage: offlinePage,
		now:         time.Now,
		bgSem:       make(chan struct{}, 32),
		log:         newRateLimitedLogger(time.Minute),
	}
}

// Wait blocks until background revalidations finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) Execute(ctx context.Context, st Strategy, req *Request) Response {
	switch st {
	case CacheFirst:
		return e.cacheFirst(ctx, req)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req)
	default:
		return e.networkFirst(ctx, req)
	}
}

func (e *Engine) cacheFirst(ctx context.Context, req *Request) Response {
	if ent, ok := e.lookup(req.Key()); ok {
		if ent.isStale(e.now(), e.freshness) {
			e.revalidateAsync(req)
			return Response{ent, OutcomeStale}
		}
		return Response{ent, OutcomeHit}
	}

	ent, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		if req.Navigate {
			return e.offline()
		}
		return textResponse(http.StatusRequestTimeout, "Resource not available offline")
	}
	if ent.Status == http.StatusOK {
		e.put(req.Key(), ent)
		return Response{ent, OutcomeMiss}
	}
	return Response{ent, OutcomeNetwork}
}

func (e *Engine) networkFirst(ctx context.Context, req *Request) Response {
	ent, err := e.fetch.Fetch(ctx, req)
	if err == nil {
		if ent.Status == http.StatusOK {
			e.put(req.Key(), ent)
		}
		return Response{ent, OutcomeNetwork}
	}
	if cached, ok := e.lookup(req.Key()); ok {
		return Response{cached, OutcomeFallbackCache}
	}
	if req.Navigate {
		return e.offline()
	}
	return textResponse(http.StatusServiceUnavailable, "Service unavailable offline")
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req *Request) Response {
	if cached, ok := e.lookup(req.Key()); ok {
		e.revalidateAsync(req)
		return Response{cached, OutcomeHit}
	}

	ent, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		if req.Navigate {
			return e.offline()
		}
		return textResponse(http.StatusServiceUnavailable, "Service unavailable offline")
	}
	if ent.Status == http.StatusOK {
		e.put(req.Key(), ent)
		return Response{ent, OutcomeMiss}
	}
	return Response{ent, OutcomeNetwork}
}

// Head answers a HEAD request from the network, falling back to the status
// and headers of the cached GET entry.
func (e *Engine) Head(ctx context.Context, req *Request) Response {
	ent, err := e.fetch.Fetch(ctx, req)
	if err == nil {
		return Response{ent, OutcomeNetwork}
	}
	if cached, ok := e.lookup(http.MethodGet + " " + req.URL.RequestURI()); ok {
		return Response{CacheEntry{Status: cached.Status, Header: cached.Header}, OutcomeFallbackCache}
	}
	return textResponse(http.StatusServiceUnavailable, "Service unavailable offline")
}

// offline serves the precached offline page, or a plain 503 when even that
// is missing.
func (e *Engine) offline() Response {
	if ent, ok := e.lookup(http.MethodGet + " " + e.offlinePage); ok {
		return Response{ent, OutcomeOfflinePage}
	}
	return textResponse(http.StatusServiceUnavailable, "Offline and no cached copy available")
}

// lookup treats any store failure as a miss.
func (e *Engine) lookup(key string) (CacheEntry, bool) {
	g := e.generation()
	if g == nil {
		return CacheEntry{}, false
	}
	ent, ok, err := g.Match(key)
	if err != nil {
		e.log.Printf("match", "cache: match %q in %s: %v", key, g.Name(), err)
		return CacheEntry{}, false
	}
	return ent, ok
}

// put stores a Cache-Date stamped copy of ent.
func (e *Engine) put(key string, ent CacheEntry) {
	g := e.generation()
	if g == nil {
		return
	}
	if err := g.Put(key, ent.stamped(e.now())); err != nil {
		e.log.Printf("put", "cache: put %q in %s: %v", key, g.Name(), err)
	}
}

// revalidateAsync refetches req in the background and stores the result on
// success. Concurrent calls for one key share a single fetch.
func (e *Engine) revalidateAsync(req *Request) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		return
	}
	bg := &Request{
		Method:   http.MethodGet,
		URL:      cloneURL(req.URL),
		Header:   cloneHeader(req.Header),
		Navigate: req.Navigate,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		_, _, _ = e.inflight.Do(bg.Key(), func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.revalidateOnce(ctx, bg)
			return nil, nil
		})
	}()
}

func (e *Engine) revalidateOnce(ctx context.Context, req *Request) {
	ent, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		e.log.Printf("revalidate", "revalidate %s: %v", req.URL.RequestURI(), err)
		return
	}
	if ent.Status != http.StatusOK {
		return
	}
	e.put(req.Key(), ent)
}

// Warm fetches key into the current generation unless it is already cached.
func (e *Engine) Warm(ctx context.Context, req *Request) (stored bool, err error) {
	if _, ok := e.lookup(req.Key()); ok {
		return false, nil
	}
	ent, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		return false, err
	}
	if ent.Status != http.StatusOK {
		return false, nil
	}
	e.put(req.Key(), ent)
	return true, nil
}

func textResponse(status int, msg string) Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{CacheEntry{Status: status, Header: h, Body: []byte(msg)}, OutcomeUnavailable}
}

func cloneURL(u *url.URL) *url.URL {
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}
	return &out
}
