package offgrid

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// Connectivity tracks whether the origin is reachable. It probes on a timer
// and whenever a foreground fetch fails, and takes any successful fetch as
// proof of being online.
type Connectivity struct {
	fetch     Fetcher
	probePath string
	timeout   time.Duration
	hub       *Hub

	// onRestore runs on every offline to online transition.
	onRestore func()

	mu      sync.Mutex
	known   bool
	offline bool

	probing atomic.Bool
	wg      sync.WaitGroup
}

func NewConnectivity(fetch Fetcher, probePath string, timeout time.Duration, hub *Hub) *Connectivity {
	return &Connectivity{fetch: fetch, probePath: probePath, timeout: timeout, hub: hub}
}

func (c *Connectivity) IsOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// set records the state and publishes transitions. The first observation
// only publishes when it is offline.
func (c *Connectivity) set(offline bool) {
	c.mu.Lock()
	changed := !c.known && offline || c.known && c.offline != offline
	restored := c.known && c.offline && !offline
	c.known = true
	c.offline = offline
	c.mu.Unlock()

	if !changed {
		return
	}
	if offline {
		log.Printf("connectivity: origin unreachable, now offline")
	} else {
		log.Printf("connectivity: origin reachable again, back online")
	}
	c.hub.publishConnectivity(ConnectivityEvent{IsOffline: offline})
	if restored && c.onRestore != nil {
		c.onRestore()
	}
}

// Probe checks the origin once. Any HTTP response counts as online.
func (c *Connectivity) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	u := &url.URL{Path: c.probePath}
	_, err := c.fetch.Fetch(ctx, &Request{Method: http.MethodHead, URL: u, Header: make(http.Header)})
	online := err == nil
	c.set(!online)
	return online
}

func (c *Connectivity) networkSucceeded() { c.set(false) }

// networkFailed starts a probe unless one is already running.
func (c *Connectivity) networkFailed() {
	if !c.probing.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.probing.Store(false)
		c.Probe(context.Background())
	}()
}

func (c *Connectivity) loop(stopCh <-chan struct{}, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
			if c.probing.CompareAndSwap(false, true) {
				c.Probe(context.Background())
				c.probing.Store(false)
			}
		}
	}
}

// Wait blocks until failure-triggered probes finish.
func (c *Connectivity) Wait() { c.wg.Wait() }
