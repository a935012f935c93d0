package offgrid

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// HeaderReplay marks requests reissued from the queue.
const HeaderReplay = "X-Offgrid-Replay"

// Coordinator replays queued requests. Entries are replayed independently:
// one failure never blocks or undoes another. Overlapping Replay calls may
// send the same entry twice; removal is idempotent.
type Coordinator struct {
	queue       *Queue
	fetch       Fetcher
	hub         *Hub
	concurrency int

	kick chan struct{}
}

func NewCoordinator(queue *Queue, fetch Fetcher, hub *Hub, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Coordinator{
		queue:       queue,
		fetch:       fetch,
		hub:         hub,
		concurrency: concurrency,
		kick:        make(chan struct{}, 1),
	}
}

// Kick asks the sync loop for a replay. Kicks coalesce while one is pending.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) kicks() <-chan struct{} { return c.kick }

func (c *Coordinator) Replay(ctx context.Context) (SyncResult, error) {
	entries, err := c.queue.Drain(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	ops := make([]OperationResult, len(entries))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, qr := range entries {
		g.Go(func() error {
			ops[i] = c.replayOne(ctx, qr)
			return nil
		})
	}
	_ = g.Wait()

	res := SyncResult{Succeeded: []uint64{}, Failed: []uint64{}, Operations: ops}
	for _, op := range ops {
		if op.Status == "success" {
			res.Succeeded = append(res.Succeeded, op.ID)
		} else {
			res.Failed = append(res.Failed, op.ID)
		}
	}
	sort.Slice(res.Succeeded, func(i, j int) bool { return res.Succeeded[i] < res.Succeeded[j] })
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i] < res.Failed[j] })

	if len(entries) > 0 {
		log.Printf("replay: sync complete, succeeded=%d failed=%d", len(res.Succeeded), len(res.Failed))
	}
	c.hub.publishSync(SyncEvent{
		Succeeded:  len(res.Succeeded),
		Failed:     len(res.Failed),
		Operations: ops,
	})
	return res, nil
}

func (c *Coordinator) replayOne(ctx context.Context, qr QueuedRequest) OperationResult {
	op := OperationResult{ID: qr.ID, Method: qr.Method, URL: qr.URL, Status: "failed"}

	u, err := url.Parse(qr.URL)
	if err != nil {
		op.Error = err.Error()
		return op
	}
	h := make(http.Header, len(qr.Headers)+1)
	for _, f := range qr.Headers {
		h.Add(f.Name, f.Value)
	}
	h.Set(HeaderReplay, strconv.FormatUint(qr.ID, 10))

	ent, err := c.fetch.Fetch(ctx, &Request{Method: qr.Method, URL: u, Header: h, Body: []byte(qr.Body)})
	if err != nil {
		op.Error = err.Error()
		return op
	}
	op.StatusCode = ent.Status
	if !okStatus(ent.Status) {
		op.Error = http.StatusText(ent.Status)
		return op
	}

	if err := c.queue.Remove(ctx, qr.ID); err != nil {
		// Delivered but still queued: it will be sent again next time.
		log.Printf("replay: remove %d after success: %v", qr.ID, err)
	}
	op.Status = "success"
	return op
}
