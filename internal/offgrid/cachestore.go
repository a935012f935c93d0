package offgrid

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>              generation marker
//	e:<generation>\x00<key>     gob CacheEntry
//	m:<generation>\x00<key>     gob diskMeta
//	a:active                    name of the active generation
const (
	prefixGeneration = "g:"
	prefixEntry      = "e:"
	prefixMeta       = "m:"
	keyActive        = "a:active"
	keySep           = "\x00"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
	// Pinned entries came from a precache install and are never evicted;
	// they go away only with their generation.
	Pinned bool
}

// CacheStore holds named cache generations in one leveldb database with an
// LRU RAM tier in front of it. Every Put is written through to disk.
type CacheStore struct {
	db       *leveldb.DB
	ram      *ramCache
	maxBytes int64

	// genMu orders generation deletion against writes into that generation.
	genMu sync.RWMutex

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	log *rateLimitedLogger
}

func OpenCacheStore(path string, ramMax, diskMax int64) (*CacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, storeError(err, "open cache store")
	}
	s := &CacheStore{
		db:       db,
		ram:      newRAMCache(ramMax),
		maxBytes: diskMax,
		index:    map[string]diskMeta{},
		log:      newRateLimitedLogger(time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, storeError(err, "load cache index")
	}
	return s, nil
}

func (s *CacheStore) Close() error {
	return s.db.Close()
}

func (s *CacheStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// Open returns the named generation, creating it when missing.
func (s *CacheStore) Open(name string) (*Generation, error) {
	ok, err := s.Has(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.db.Put([]byte(prefixGeneration+name), encodeUnix(time.Now()), nil); err != nil {
			return nil, storeError(err, "create generation "+name)
		}
	}
	return &Generation{store: s, name: name}, nil
}

func (s *CacheStore) Has(name string) (bool, error) {
	ok, err := s.db.Has([]byte(prefixGeneration+name), nil)
	if err != nil {
		return false, storeError(err, "lookup generation "+name)
	}
	return ok, nil
}

// Populate creates generation name holding exactly entries in a single
// batch: either all of them become visible or none do. The entries are
// pinned against disk eviction.
func (s *CacheStore) Populate(name string, entries map[string]CacheEntry) (*Generation, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixGeneration+name), encodeUnix(time.Now()))
	metas := make(map[string]diskMeta, len(entries))
	now := time.Now().Unix()
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return nil, storeError(err, "encode "+key)
		}
		full := name + keySep + key
		meta := diskMeta{Size: int64(len(b)), LastAccess: now, Pinned: true}
		mb, _ := encodeGob(meta)
		batch.Put([]byte(prefixEntry+full), b)
		batch.Put([]byte(prefixMeta+full), mb)
		metas[full] = meta
	}
	if err := s.db.Write(batch, nil); err != nil {
		return nil, storeError(err, "populate generation "+name)
	}

	s.mu.Lock()
	for full, meta := range metas {
		if old, ok := s.index[full]; ok {
			s.totalSize -= old.Size
		}
		s.index[full] = meta
		s.totalSize += meta.Size
	}
	s.mu.Unlock()
	for key := range entries {
		s.ram.Delete(name + keySep + key)
	}
	return &Generation{store: s, name: name}, nil
}

// Names enumerates every generation in the store.
func (s *CacheStore) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixGeneration)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixGeneration))))
	}
	if err := it.Error(); err != nil {
		return nil, storeError(err, "list generations")
	}
	sort.Strings(out)
	return out, nil
}

// Delete drops a generation and all of its entries. It reports whether the
// generation existed.
func (s *CacheStore) Delete(name string) (bool, error) {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	existed, err := s.Has(name)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixGeneration + name))
	var dropped []string
	for _, p := range []string{prefixEntry, prefixMeta} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(p+name+keySep)), nil)
		for it.Next() {
			k := append([]byte(nil), it.Key()...)
			batch.Delete(k)
			if p == prefixMeta {
				dropped = append(dropped, string(bytes.TrimPrefix(k, []byte(prefixMeta))))
			}
		}
		it.Release()
		if err := it.Error(); err != nil {
			return false, storeError(err, "scan generation "+name)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, storeError(err, "delete generation "+name)
	}

	s.mu.Lock()
	for _, full := range dropped {
		if meta, ok := s.index[full]; ok {
			s.totalSize -= meta.Size
			delete(s.index, full)
		}
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(name + keySep)
	return existed, nil
}

func (s *CacheStore) Active() (string, bool, error) {
	b, err := s.db.Get([]byte(keyActive), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeError(err, "read active generation")
	}
	return string(b), true, nil
}

func (s *CacheStore) SetActive(name string) error {
	if err := s.db.Put([]byte(keyActive), []byte(name), nil); err != nil {
		return storeError(err, "write active generation")
	}
	return nil
}

func (s *CacheStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *CacheStore) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *CacheStore) RAMSize() int64 { return s.ram.TotalSize() }

// evictSome drops the least recently used tenth of the unpinned entries.
func (s *CacheStore) evictSome() {
	s.mu.Lock()
	items := make([]struct {
		key string
		m   diskMeta
	}, 0, len(s.index))
	for k, m := range s.index {
		if m.Pinned {
			continue
		}
		items = append(items, struct {
			key string
			m   diskMeta
		}{k, m})
	}
	s.mu.Unlock()

	if len(items) == 0 {
		s.log.Printf("evict", "cache store over %s, only pinned entries left", formatBytes(uint64(s.maxBytes)))
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s.deleteFull(items[i].key)
	}
	s.log.Printf("evict", "cache store over %s, evicted %d entries", formatBytes(uint64(s.maxBytes)), n)
}

func (s *CacheStore) deleteFull(full string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixEntry + full))
	batch.Delete([]byte(prefixMeta + full))
	if err := s.db.Write(batch, nil); err != nil {
		s.log.Printf("delete", "cache store: delete %q: %v", full, err)
		return
	}
	s.mu.Lock()
	if meta, ok := s.index[full]; ok {
		s.totalSize -= meta.Size
		delete(s.index, full)
	}
	s.mu.Unlock()
	s.ram.Delete(full)
}

// Generation is one named, versioned collection of entries.
type Generation struct {
	store *CacheStore
	name  string
}

func (g *Generation) Name() string { return g.name }

func (g *Generation) full(key string) string { return g.name + keySep + key }

// Match looks key up in RAM, then on disk.
func (g *Generation) Match(key string) (CacheEntry, bool, error) {
	full := g.full(key)
	if ent, ok := g.store.ram.Get(full); ok {
		return ent, true, nil
	}
	b, err := g.store.db.Get([]byte(prefixEntry+full), nil)
	if err == leveldb.ErrNotFound {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, storeError(err, "match "+key)
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, storeError(err, "decode "+key)
	}
	g.store.mu.Lock()
	if meta, ok := g.store.index[full]; ok {
		meta.LastAccess = time.Now().Unix()
		g.store.index[full] = meta
	}
	g.store.mu.Unlock()
	g.store.ram.Put(full, ent, int64(len(b)))
	return ent, true, nil
}

// Put overwrites the entry stored under key.
func (g *Generation) Put(key string, ent CacheEntry) error {
	s := g.store
	s.genMu.RLock()
	defer s.genMu.RUnlock()

	ok, err := s.Has(g.name)
	if err != nil {
		return err
	}
	if !ok {
		return errNoGeneration
	}

	b, err := encodeGob(ent)
	if err != nil {
		return storeError(err, "encode "+key)
	}
	full := g.full(key)
	s.mu.Lock()
	prev, had := s.index[full]
	s.mu.Unlock()
	// a revalidated precache entry stays pinned
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().Unix(), Pinned: had && prev.Pinned}
	mb, _ := encodeGob(meta)

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixEntry+full), b)
	batch.Put([]byte(prefixMeta+full), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return storeError(err, "put "+key)
	}

	s.mu.Lock()
	if old, ok := s.index[full]; ok {
		s.totalSize -= old.Size
	}
	s.index[full] = meta
	s.totalSize += meta.Size
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	s.ram.Put(full, ent, meta.Size)
	if over {
		s.evictSome()
	}
	return nil
}

func (g *Generation) Delete(key string) {
	g.store.deleteFull(g.full(key))
}

func (g *Generation) Keys() []string {
	prefix := g.name + keySep
	g.store.mu.Lock()
	defer g.store.mu.Unlock()
	out := make([]string, 0)
	for full := range g.store.index {
		if strings.HasPrefix(full, prefix) {
			out = append(out, strings.TrimPrefix(full, prefix))
		}
	}
	sort.Strings(out)
	return out
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.drop(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.drop(it)
		}
	}
}

// Put keeps ent in RAM when it fits. Anything evicted is still on disk.
func (c *ramCache) Put(key string, ent CacheEntry, size int64) {
	if c.maxBytes > 0 && size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}
	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil && c.tail.key != key {
		c.drop(c.tail)
	}
}

func (c *ramCache) drop(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func encodeUnix(t time.Time) []byte {
	b, _ := encodeGob(t.Unix())
	return b
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
