package offgrid

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	platformerrors "github.com/jmgilman/go/errors"
)

const (
	HeaderOutcome      = "X-Offgrid"
	HeaderQueued       = "X-Offline-Queued"
	HeaderQueueID      = "X-Offline-Queue-Id"
)

type Service struct {
	cfg Config

	httpClient *http.Client

	store     *CacheStore
	queue     *Queue
	fetch     *originFetcher
	bypass    *originFetcher
	engine    *Engine
	lifecycle *Lifecycle
	sync      *Coordinator
	conn      *Connectivity
	hub       *Hub

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	stats *statsCollector
}

// NewService opens the cache and queue stores under cfg.Storage.Path and
// resumes the generation that was active last time. It does not touch the
// network; Start does.
func NewService(cfg Config) (*Service, error) {
	store, err := OpenCacheStore(filepath.Join(cfg.Storage.Path, "cache"), int64(cfg.Storage.RAM.Max), int64(cfg.Storage.Disk.Max))
	if err != nil {
		return nil, err
	}
	queue, err := OpenQueue(filepath.Join(cfg.Storage.Path, "queue"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	s := &Service{
		cfg:        cfg,
		httpClient: client,
		store:      store,
		queue:      queue,
		fetch:      newOriginFetcher(cfg.Server.Origin, client),
		bypass:     newOriginFetcher(cfg.Server.Origin, client),
		hub:        NewHub(),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
	}
	s.lifecycle = NewLifecycle(store, s.fetch, cfg.CacheName(), cfg.Manifest())
	s.engine = NewEngine(s.fetch, s.lifecycle.Current, cfg.Cache.Freshness.D(), cfg.Cache.OfflinePage)
	s.sync = NewCoordinator(queue, s.fetch, s.hub, cfg.Sync.Concurrency)
	s.conn = NewConnectivity(newOriginFetcher(cfg.Server.Origin, client), cfg.Connectivity.ProbePath, cfg.Connectivity.ProbeTimeout.D(), s.hub)
	s.conn.onRestore = s.onRestore
	s.fetch.watch = s.conn

	if err := s.lifecycle.Resume(); err != nil {
		log.Printf("lifecycle: resume: %v", err)
	}
	return s, nil
}

// Start probes connectivity, installs and activates this build's cache
// generation and launches the background loops. An install failure is
// returned but leaves the service running on the previous generation.
func (s *Service) Start(ctx context.Context) error {
	s.conn.Probe(ctx)
	installErr := s.lifecycle.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.conn.loop(s.stopCh, s.cfg.Connectivity.ProbeEvery.D())
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop(s.cfg.Sync.Every.D())
	}()

	if every := s.cfg.Logging.LogStatsEvery.D(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	s.startURLsDiscover()
	return installErr
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.conn.Wait()
		s.engine.Wait()
		if err := s.queue.Close(); err != nil {
			log.Printf("close queue: %v", err)
		}
		if err := s.store.Close(); err != nil {
			log.Printf("close cache store: %v", err)
		}
	})
}

// Hub is where status observers subscribe.
func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(s.cfg.Server.ControlPrefix, s.controlRoutes)
	r.Handle("/*", http.HandlerFunc(s.handle))
	return r
}

// Status derives the offline status from the watcher and the queue.
func (s *Service) Status(ctx context.Context) OfflineStatus {
	n, err := s.queue.Len(ctx)
	if err != nil {
		log.Printf("status: queue length: %v", err)
	}
	return OfflineStatus{IsOffline: s.conn.IsOffline(), HasPendingOperations: n > 0}
}

func (s *Service) onRestore() {
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.replay("connectivity")
		if st := s.lifecycle.State(); st == StateRedundant || st == StateParsed {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.lifecycle.Start(ctx); err != nil {
				log.Printf("lifecycle: retry install: %v", err)
			}
		}
	}()
}

func (s *Service) syncLoop(every time.Duration) {
	var tick <-chan time.Time
	if every > 0 {
		t := time.NewTicker(every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.sync.kicks():
			s.replay("enqueue")
		case <-tick:
			s.replay("periodic")
		}
	}
}

func (s *Service) replay(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := s.sync.Replay(ctx); err != nil {
		log.Printf("replay (%s): %v", trigger, err)
	}
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if s.crossOrigin(r) {
		s.proxyPass(w, r, OutcomeBypass)
		return
	}

	path := r.URL.Path
	rule := s.pickRule(path)
	if rule != nil {
		if rule.Bypass {
			s.proxyPass(w, r, OutcomeBypass)
			return
		}
		if hasAnyCookie(r, rule.BypassWhenCookies) {
			s.proxyPass(w, r, OutcomeIgnoreCookie)
			return
		}
	}

	req, err := newRequest(r, int64(s.cfg.Server.MaxBodySize))
	if err != nil {
		writeRequestError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodGet:
		st := Classify(path)
		if rule != nil && rule.Strategy != "" {
			st = rule.strategy
		}
		s.writeResponse(w, s.engine.Execute(r.Context(), st, req))
	case r.Method == http.MethodHead:
		s.writeResponse(w, s.engine.Head(r.Context(), req))
	case isMutating(r.Method):
		s.handleMutation(w, r, req)
	default:
		ent, err := s.fetch.Fetch(r.Context(), req)
		if err != nil {
			s.writeResponse(w, textResponse(http.StatusServiceUnavailable, "Service unavailable offline"))
			return
		}
		s.writeResponse(w, Response{ent, OutcomeNetwork})
	}
}

// handleMutation sends a POST/PUT/DELETE to the network and queues it for
// replay when the network is unreachable.
func (s *Service) handleMutation(w http.ResponseWriter, r *http.Request, req *Request) {
	ent, err := s.fetch.Fetch(r.Context(), req)
	if err == nil {
		s.writeResponse(w, Response{ent, OutcomeNetwork})
		return
	}
	if r.Context().Err() != nil {
		// client went away; nothing to queue for
		return
	}
	if !isNetworkError(err) {
		s.writeResponse(w, textResponse(http.StatusBadGateway, "bad gateway"))
		return
	}

	ctx := context.WithoutCancel(r.Context())
	id, qerr := s.queue.Enqueue(ctx, toQueued(req))
	if qerr != nil {
		log.Printf("queue: enqueue %s %s: %v", req.Method, req.URL.RequestURI(), qerr)
		s.writeResponse(w, textResponse(http.StatusServiceUnavailable, "Service unavailable and the request could not be stored offline"))
		return
	}
	log.Printf("queue: stored %s %s as %d (%v)", req.Method, req.URL.RequestURI(), id, err)
	if !s.conn.IsOffline() {
		s.sync.Kick()
	}
	s.writeResponse(w, queuedResponse(id, time.Now()))
}

func queuedResponse(id uint64, now time.Time) Response {
	body, _ := json.Marshal(struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{
		Error:     "offline",
		Message:   "You are offline. The request has been saved and will be sent when the connection is restored.",
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(HeaderQueued, "true")
	h.Set(HeaderQueueID, strconv.FormatUint(id, 10))
	return Response{CacheEntry{Status: http.StatusServiceUnavailable, Header: h, Body: body}, OutcomeQueued}
}

// newRequest snapshots r. A body longer than limit fails with
// errBodyTooLarge instead of being cut.
func newRequest(r *http.Request, limit int64) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) > limit {
			return nil, errBodyTooLarge
		}
		body = b
	}
	u := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return &Request{
		Method:   r.Method,
		URL:      u,
		Header:   cloneHeader(r.Header),
		Body:     body,
		Navigate: isNavigation(r),
	}, nil
}

func writeRequestError(w http.ResponseWriter, err error) {
	if platformerrors.Is(err, errBodyTooLarge) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "bad request", http.StatusBadRequest)
}

// toQueued flattens headers in name order so replays are deterministic.
func toQueued(req *Request) QueuedRequest {
	names := make([]string, 0, len(req.Header))
	for k := range req.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	var fields []HeaderField
	for _, k := range names {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range req.Header[k] {
			fields = append(fields, HeaderField{Name: k, Value: v})
		}
	}
	return QueuedRequest{
		URL:     req.URL.RequestURI(),
		Method:  req.Method,
		Headers: fields,
		Body:    string(req.Body),
	}
}

// crossOrigin reports absolute-form requests aimed at some other host.
func (s *Service) crossOrigin(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return false
	}
	return !strings.EqualFold(r.URL.Host, s.cfg.origin.Host)
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (s *Service) pickRule(path string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// proxyPass forwards r untouched: nothing is cached or queued.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, outcome string) {
	req, err := newRequest(r, int64(s.cfg.Server.MaxBodySize))
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if r.URL.IsAbs() {
		req.URL = r.URL
	}
	ent, err := s.bypass.Fetch(r.Context(), req)
	if err != nil {
		setOutcomeHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeResponse(w, Response{ent, outcome})
}

func (s *Service) writeResponse(w http.ResponseWriter, resp Response) {
	writeEntry(w, resp.CacheEntry, resp.Outcome)
	if s.stats != nil {
		s.stats.Observe(resp.Outcome, len(resp.Body))
	}
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, HeaderOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(HeaderOutcome, outcome)
	}
	// Custom headers are hidden from cross-origin JS unless exposed.
	for _, name := range []string{HeaderOutcome, HeaderQueued, HeaderQueueID, HeaderCacheDate} {
		if h.Get(name) != "" {
			ensureExposedHeader(h, name)
		}
	}
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			queued, _ := s.queue.Len(context.Background())
			log.Printf(
				"Cached: Entries: %d, RAM usage: %s, Disk usage: %s, Queued: %d, Resp min/avg/max %s/%s/%s, Outcomes: %s",
				s.store.KeyCount(),
				formatBytes(uint64(s.store.RAMSize())),
				formatBytes(uint64(s.store.TotalSize())),
				queued,
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
				formatOutcomes(ss.Outcomes),
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
