package offgrid

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
)

// Request is the part of an intercepted request the subsystem needs. URL is
// origin-relative unless the request is cross-origin.
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Navigate bool
}

// Key is the cache identity of the request.
func (r *Request) Key() string {
	return r.Method + " " + r.URL.RequestURI()
}

// Fetcher performs network requests. Transport failures are reported as
// errors with code NETWORK_ERROR; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (CacheEntry, error)
}

type networkObserver interface {
	networkSucceeded()
	networkFailed()
}

type originFetcher struct {
	origin string
	client *http.Client
	watch  networkObserver
}

func newOriginFetcher(origin string, client *http.Client) *originFetcher {
	return &originFetcher{origin: origin, client: client}
}

func (f *originFetcher) Fetch(ctx context.Context, r *Request) (CacheEntry, error) {
	target := f.origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return CacheEntry{}, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "build request")
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		f.observe(err)
		return CacheEntry{}, platformerrors.Wrapf(err, platformerrors.CodeNetwork, "%s %s", r.Method, target)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		f.observe(err)
		return CacheEntry{}, platformerrors.Wrapf(err, platformerrors.CodeNetwork, "read %s", target)
	}
	f.observe(nil)

	ent := CacheEntry{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
	}
	ent.Header.Del("Content-Length")
	dropHopHeaders(ent.Header)
	return ent, nil
}

func (f *originFetcher) observe(err error) {
	if f.watch == nil {
		return
	}
	if err != nil {
		f.watch.networkFailed()
		return
	}
	f.watch.networkSucceeded()
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func dropHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	dropHopHeaders(dst)
}

// isNavigation mirrors the browser's navigate request mode.
func isNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}

func okStatus(code int) bool { return code >= 200 && code < 300 }
