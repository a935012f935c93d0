package offgrid

import "sync"

// StatusObserver receives connectivity transitions and sync completions.
// Calls are made synchronously from the publishing goroutine, so
// implementations must not block.
type StatusObserver interface {
	ConnectivityChanged(ConnectivityEvent)
	SyncCompleted(SyncEvent)
}

// ObserverFuncs adapts plain functions to StatusObserver. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnConnectivity func(ConnectivityEvent)
	OnSync         func(SyncEvent)
}

func (o ObserverFuncs) ConnectivityChanged(ev ConnectivityEvent) {
	if o.OnConnectivity != nil {
		o.OnConnectivity(ev)
	}
}

func (o ObserverFuncs) SyncCompleted(ev SyncEvent) {
	if o.OnSync != nil {
		o.OnSync(ev)
	}
}

// Hub fans status events out to subscribers.
type Hub struct {
	mu        sync.RWMutex
	next      int
	observers map[int]StatusObserver
}

func NewHub() *Hub {
	return &Hub{observers: map[int]StatusObserver{}}
}

// Subscribe registers o and returns the func that removes it.
func (h *Hub) Subscribe(o StatusObserver) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.observers[id] = o
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) snapshot() []StatusObserver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StatusObserver, 0, len(h.observers))
	for _, o := range h.observers {
		out = append(out, o)
	}
	return out
}

func (h *Hub) publishConnectivity(ev ConnectivityEvent) {
	for _, o := range h.snapshot() {
		o.ConnectivityChanged(ev)
	}
}

func (h *Hub) publishSync(ev SyncEvent) {
	for _, o := range h.snapshot() {
		o.SyncCompleted(ev)
	}
}
