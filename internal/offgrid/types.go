package offgrid

import (
	"net/http"
	"time"
)

// CacheEntry is an immutable response snapshot. It is what the network layer
// produces and what a cache generation stores.
type CacheEntry struct {
	Status int
	Header http.Header
	Body   []byte
}

// HeaderCacheDate carries the RFC 3339 time an entry was written to the cache.
const HeaderCacheDate = "Cache-Date"

// stamped returns a copy of ent whose Cache-Date header is set to now. The
// receiver's header map is left untouched.
func (ent CacheEntry) stamped(now time.Time) CacheEntry {
	out := CacheEntry{Status: ent.Status, Header: cloneHeader(ent.Header), Body: ent.Body}
	out.Header.Set(HeaderCacheDate, now.UTC().Format(time.RFC3339Nano))
	return out
}

// CachedAt reads back the Cache-Date header.
func (ent CacheEntry) CachedAt() (time.Time, bool) {
	v := ent.Header.Get(HeaderCacheDate)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// isStale reports whether ent was cached longer than window ago. Entries
// without a readable Cache-Date are stale.
func (ent CacheEntry) isStale(now time.Time, window time.Duration) bool {
	at, ok := ent.CachedAt()
	if !ok {
		return true
	}
	return now.Sub(at) > window
}

type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// QueuedRequest is a mutating request kept for replay.
type QueuedRequest struct {
	ID         uint64        `json:"id"`
	URL        string        `json:"url"`
	Method     string        `json:"method"`
	Headers    []HeaderField `json:"headers"`
	Body       string        `json:"body"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

type OperationResult struct {
	ID         uint64 `json:"id"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Status     string `json:"status"` // "success" | "failed"
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

type SyncResult struct {
	Succeeded  []uint64          `json:"succeeded"`
	Failed     []uint64          `json:"failed"`
	Operations []OperationResult `json:"operations"`
}

type OfflineStatus struct {
	IsOffline            bool `json:"isOffline"`
	HasPendingOperations bool `json:"hasPendingOperations"`
}

type ConnectivityEvent struct {
	IsOffline bool `json:"isOffline"`
}

type SyncEvent struct {
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Operations []OperationResult `json:"operations"`
}
