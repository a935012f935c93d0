package offgrid

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startURLsDiscover warms the active generation with the routes listed in
// the configured sitemaps, so pages work offline before their first visit.
// Unlike the precache manifest this is best effort.
func (s *Service) startURLsDiscover() {
	if len(s.cfg.URLsDiscover.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.URLsDiscover.InitialDelay.D()
	period := s.cfg.URLsDiscover.RediscoverEvery.D()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			if s.lifecycle.Current() == nil {
				log.Printf("urlsDiscover: no active generation yet, skipping")
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			stored, ignored, err := s.discoverURLsOnce(ctx)
			if err != nil {
				log.Printf("urlsDiscover: error: %v", err)
				return
			}
			log.Printf("urlsDiscover: stored=%d ignored=%d", stored, ignored)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

func (s *Service) discoverURLsOnce(ctx context.Context) (stored int, ignored int, _ error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.URLsDiscover.Sitemaps))
	for _, sm := range s.cfg.URLsDiscover.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, s.normalizeMaybeRelativeURL(sm))
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return stored, ignored, ctx.Err()
		case <-s.stopCh:
			return stored, ignored, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return stored, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, s.normalizeMaybeRelativeURL(nested))
			}
		}

		warmed := 0
		ignoredThis := 0
		for _, loc := range doc.URLs {
			p, ok := s.sameOriginPath(loc)
			if !ok {
				ignoredThis++
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}

			if rule := s.pickRule(p); rule != nil && rule.Bypass || Classify(p) == NetworkFirst {
				ignoredThis++
				continue
			}

			req := &Request{Method: http.MethodGet, URL: &url.URL{Path: p}, Header: make(http.Header), Navigate: true}
			ok, err := s.engine.Warm(ctx, req)
			if err != nil {
				// offline again; the next round picks it up
				return stored, ignored + ignoredThis, err
			}
			if ok {
				warmed++
			}
		}
		stored += warmed
		ignored += ignoredThis

		if s.cfg.Logging.LogURLAutodiscover {
			log.Printf("urlsDiscover sitemap=%q urls=%d warmed=%d ignored=%d", smURL, len(doc.URLs), warmed, ignoredThis)
		}
	}

	return stored, ignored, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if !okStatus(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz sitemap may arrive already decompressed by the transport.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// sameOriginPath turns a sitemap loc into an origin-relative path. Locs on
// other hosts are rejected.
func (s *Service) sameOriginPath(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil || !strings.EqualFold(u.Host, s.cfg.origin.Host) {
			return "", false
		}
		if u.Path == "" {
			return "/", true
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path, true
		}
		return u.Path, true
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc, true
}
