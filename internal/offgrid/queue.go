package offgrid

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	prefixQueued = "q:"
	keySeq       = "s:seq"
)

// mutatingMethods are the only methods ever queued for replay.
var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

func isMutating(method string) bool { return mutatingMethods[method] }

// Queue is the durable store of requests waiting for replay. Every write is
// fsynced; nothing about its contents is kept in memory.
type Queue struct {
	db *leveldb.DB

	// mu serializes id assignment; leveldb provides the rest.
	mu  sync.Mutex
	seq uint64
}

var syncWrite = &opt.WriteOptions{Sync: true}

func OpenQueue(path string) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeError(err, "open queue")
	}
	q := &Queue{db: db}
	if err := q.loadSeq(); err != nil {
		_ = db.Close()
		return nil, storeError(err, "load queue sequence")
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) loadSeq() error {
	b, err := q.db.Get([]byte(keySeq), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		return err
	case len(b) == 8:
		q.seq = binary.BigEndian.Uint64(b)
	}

	// The sequence and the entry are written in one batch, so the last key can
	// only lag behind a corrupt or hand-edited sequence.
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueued)), nil)
	defer it.Release()
	if it.Last() {
		if id := decodeQueueKey(it.Key()); id > q.seq {
			q.seq = id
		}
	}
	return it.Error()
}

func queueKey(id uint64) []byte {
	k := make([]byte, len(prefixQueued)+8)
	copy(k, prefixQueued)
	binary.BigEndian.PutUint64(k[len(prefixQueued):], id)
	return k
}

func decodeQueueKey(k []byte) uint64 {
	if len(k) != len(prefixQueued)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(k[len(prefixQueued):])
}

// Enqueue stores req under a fresh id and returns it. req.ID is ignored.
func (q *Queue) Enqueue(ctx context.Context, req QueuedRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.seq + 1
	req.ID = id
	b, err := encodeGob(req)
	if err != nil {
		return 0, storeError(err, "encode queued request")
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)

	batch := new(leveldb.Batch)
	batch.Put(queueKey(id), b)
	batch.Put([]byte(keySeq), seq[:])
	if err := q.db.Write(batch, syncWrite); err != nil {
		return 0, storeError(err, "enqueue")
	}
	q.seq = id
	return id, nil
}

// Drain returns every stored request in id order without removing any.
func (q *Queue) Drain(ctx context.Context) ([]QueuedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := q.db.GetSnapshot()
	if err != nil {
		return nil, storeError(err, "drain")
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix([]byte(prefixQueued)), nil)
	defer it.Release()
	var out []QueuedRequest
	for it.Next() {
		var req QueuedRequest
		if err := decodeGob(it.Value(), &req); err != nil {
			return nil, storeError(err, "decode queued request")
		}
		out = append(out, req)
	}
	if err := it.Error(); err != nil {
		return nil, storeError(err, "drain")
	}
	return out, nil
}

// Remove deletes one entry. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.db.Delete(queueKey(id), syncWrite); err != nil {
		return storeError(err, "remove")
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixQueued)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, storeError(err, "count queue")
	}
	return n, nil
}
