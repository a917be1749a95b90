package offline

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the single leveldb database:
//
//	c:<cache>               named cache marker (value: creation time, RFC 3339)
//	e:<cache>\x00<url>      gob CacheEntry
//	m:<cache>\x00<url>      gob entryMeta
//	ls:<key>                LocalStorage value
const keySep = "\x00"

// Store is the persistent named-cache storage. Every operation swallows
// storage failures into misses; callers only see a boolean or an error they
// are expected to log and ignore.
type Store struct {
	maxBytes int64

	db  *leveldb.DB
	ram *ramCache

	mu        sync.Mutex
	index     map[string]entryMeta // composite key -> meta
	caches    map[string]struct{}
	totalSize int64

	ops       chan storeOp
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	warn *rateLimitedLogger
}

type entryMeta struct {
	Size       int64
	LastAccess int64
}

type storeOp struct {
	puts   []storePut
	delKey string
	delAll string // cache name
	touch  string
	result chan error
}

type storePut struct {
	key string
	ent CacheEntry
}

// OpenStore opens (or creates) the leveldb database at path.
func OpenStore(path string, ramMax, diskMax int64) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, newError(KindStorage, "open store", err)
	}
	s := &Store{
		maxBytes: diskMax,
		db:       db,
		ram:      newRAMCache(ramMax),
		index:    map[string]entryMeta{},
		caches:   map[string]struct{}{},
		ops:      make(chan storeOp, 1024),
		done:     make(chan struct{}),
		warn:     newRateLimitedLogger(time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, newError(KindStorage, "load index", err)
	}
	go s.writerLoop()
	return s, nil
}

// Close stops the writer and closes the database. Later calls return the
// first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.ops)
		<-s.done
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func compositeKey(cache, url string) string { return cache + keySep + url }

func splitKey(key string) (cache, url string) {
	i := strings.Index(key, keySep)
	if i < 0 {
		return "", key
	}
	return key[:i], key[i+len(keySep):]
}

func (s *Store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]entryMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}

	cit := s.db.NewIterator(util.BytesPrefix([]byte("c:")), nil)
	defer cit.Release()
	caches := map[string]struct{}{}
	for cit.Next() {
		caches[string(bytes.TrimPrefix(cit.Key(), []byte("c:")))] = struct{}{}
	}
	if err := cit.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.index = idx
	s.caches = caches
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// Open registers a named cache so it shows up in Caches even while empty.
func (s *Store) Open(cache string) error {
	s.mu.Lock()
	_, ok := s.caches[cache]
	s.caches[cache] = struct{}{}
	s.mu.Unlock()
	if ok {
		return nil
	}
	if err := s.db.Put([]byte("c:"+cache), []byte(time.Now().UTC().Format(time.RFC3339)), nil); err != nil {
		return newError(KindStorage, "open cache "+cache, err)
	}
	return nil
}

// Caches lists every named cache, sorted.
func (s *Store) Caches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.caches))
	for c := range s.caches {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *Store) HasCache(cache string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[cache]
	return ok
}

// Match returns the entry stored for url in cache.
func (s *Store) Match(cache, url string) (CacheEntry, bool) {
	key := compositeKey(cache, url)
	if ent, ok := s.ram.Get(key); ok {
		s.touch(key)
		return ent, true
	}
	ent, ok := s.peekDisk(key)
	if !ok {
		return CacheEntry{}, false
	}
	s.fillRAM(key, ent)
	s.touch(key)
	return ent, true
}

// fillRAM promotes a disk read into the RAM tier unless the entry was deleted
// since. Deletes drop the index entry before clearing RAM, so checking the
// index under s.mu keeps a removed entry out of RAM.
func (s *Store) fillRAM(key string, ent CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; !ok {
		return
	}
	s.ram.Put(key, ent, s.warn)
}

// MatchAny looks url up in each cache in order.
func (s *Store) MatchAny(url string, caches ...string) (CacheEntry, string, bool) {
	for _, c := range caches {
		if ent, ok := s.Match(c, url); ok {
			return ent, c, true
		}
	}
	return CacheEntry{}, "", false
}

// Peek is Match without refreshing recency or filling the RAM tier.
func (s *Store) Peek(cache, url string) (CacheEntry, bool) {
	key := compositeKey(cache, url)
	if ent, ok := s.ram.Peek(key); ok {
		return ent, true
	}
	return s.peekDisk(key)
}

func (s *Store) peekDisk(key string) (CacheEntry, bool) {
	b, err := s.db.Get([]byte("e:"+key), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			s.warn.Warn("store-read", "cache store read failed: %v", err)
		}
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

// Keys returns the URLs currently stored in cache.
func (s *Store) Keys(cache string) []string {
	prefix := cache + keySep
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

// Put stores or overwrites the entry for url and waits for the write.
func (s *Store) Put(cache, url string, ent CacheEntry) error {
	return <-s.PutAsync(cache, url, ent)
}

// PutAsync queues the write and returns a channel that receives its outcome.
func (s *Store) PutAsync(cache, url string, ent CacheEntry) <-chan error {
	return s.PutAll(cache, map[string]CacheEntry{url: ent})
}

// PutAll writes every entry in a single batch: either all land or none do.
func (s *Store) PutAll(cache string, entries map[string]CacheEntry) <-chan error {
	res := make(chan error, 1)
	if err := s.Open(cache); err != nil {
		res <- err
		return res
	}
	puts := make([]storePut, 0, len(entries))
	for url, ent := range entries {
		puts = append(puts, storePut{key: compositeKey(cache, url), ent: ent})
	}
	s.send(storeOp{puts: puts, result: res})
	return res
}

// Delete removes a single entry.
func (s *Store) Delete(cache, url string) error {
	key := compositeKey(cache, url)
	s.ram.Delete(key)
	res := make(chan error, 1)
	s.send(storeOp{delKey: key, result: res})
	return <-res
}

// DeleteCache removes a named cache and all of its entries.
func (s *Store) DeleteCache(cache string) error {
	s.ram.DeletePrefix(cache + keySep)
	res := make(chan error, 1)
	s.send(storeOp{delAll: cache, result: res})
	return <-res
}

func (s *Store) touch(key string) {
	defer func() { _ = recover() }()
	select {
	case s.ops <- storeOp{touch: key}:
	default:
		// Access-time updates are advisory; skip them under write pressure.
	}
}

func (s *Store) send(op storeOp) {
	defer func() {
		if recover() != nil && op.result != nil {
			op.result <- ErrStoreClosed
		}
	}()
	s.ops <- op
}

// Counts returns the number of entries per named cache.
func (s *Store) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.caches))
	for c := range s.caches {
		out[c] = 0
	}
	for k := range s.index {
		c, _ := splitKey(k)
		out[c]++
	}
	return out
}

// TotalSize is the encoded byte size of all entries on disk.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *Store) RAMSize() int64 { return s.ram.TotalSize() }

// RAMEntries is the number of entries held in the RAM tier.
func (s *Store) RAMEntries() int { return s.ram.Len() }

// EntryCount returns the number of entries across all caches.
func (s *Store) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range s.ops {
		var err error
		switch {
		case op.delAll != "":
			err = s.applyDeleteCache(op.delAll)
		case op.delKey != "":
			err = s.applyDelete(op.delKey)
		case op.touch != "":
			s.applyTouch(op.touch)
		case len(op.puts) > 0:
			err = s.applyPuts(op.puts)
		}
		if op.result != nil {
			op.result <- err
		}
	}
}

func (s *Store) applyPuts(puts []storePut) error {
	now := time.Now().Unix()
	batch := new(leveldb.Batch)
	metas := make(map[string]entryMeta, len(puts))

	for _, p := range puts {
		b, err := encodeGob(p.ent)
		if err != nil {
			return newError(KindStorage, "encode entry", err)
		}
		meta := entryMeta{Size: int64(len(b)), LastAccess: now}
		mb, err := encodeGob(meta)
		if err != nil {
			return newError(KindStorage, "encode meta", err)
		}
		batch.Put([]byte("e:"+p.key), b)
		batch.Put([]byte("m:"+p.key), mb)
		metas[p.key] = meta
	}
	if err := s.db.Write(batch, nil); err != nil {
		s.warn.Warn("store-write", "cache store write failed: %v", err)
		return newError(KindStorage, "write entries", err)
	}

	s.mu.Lock()
	for key, meta := range metas {
		if old, ok := s.index[key]; ok {
			s.totalSize -= old.Size
		}
		s.index[key] = meta
		s.totalSize += meta.Size
	}
	over := s.maxBytes > 0 && s.totalSize > s.maxBytes
	s.mu.Unlock()

	for _, p := range puts {
		s.ram.Put(p.key, p.ent, s.warn)
	}
	if over {
		s.evictSome()
	}
	return nil
}

func (s *Store) applyTouch(key string) {
	s.mu.Lock()
	meta, ok := s.index[key]
	if ok {
		meta.LastAccess = time.Now().Unix()
		s.index[key] = meta
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	mb, _ := encodeGob(meta)
	_ = s.db.Put([]byte("m:"+key), mb, nil)
}

func (s *Store) applyDelete(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	if err := s.db.Write(batch, nil); err != nil {
		return newError(KindStorage, "delete entry", err)
	}

	s.mu.Lock()
	if meta, ok := s.index[key]; ok {
		s.totalSize -= meta.Size
		delete(s.index, key)
	}
	s.mu.Unlock()
	s.ram.Delete(key)
	return nil
}

func (s *Store) applyDeleteCache(cache string) error {
	prefix := cache + keySep
	batch := new(leveldb.Batch)
	batch.Delete([]byte("c:" + cache))

	s.mu.Lock()
	var freed int64
	keys := make([]string, 0)
	for k, meta := range s.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			freed += meta.Size
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		batch.Delete([]byte("e:" + k))
		batch.Delete([]byte("m:" + k))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return newError(KindStorage, "delete cache "+cache, err)
	}

	s.mu.Lock()
	for _, k := range keys {
		delete(s.index, k)
	}
	s.totalSize -= freed
	delete(s.caches, cache)
	s.mu.Unlock()
	s.ram.DeletePrefix(prefix)
	return nil
}

// evictSome drops the least recently used tenth of the entries.
func (s *Store) evictSome() {
	type item struct {
		key string
		m   entryMeta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		items = append(items, item{k, m})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	s.warn.Warn("disk-evict", "disk budget exceeded, evicting %d entries", n)
	for i := 0; i < n && i < len(items); i++ {
		_ = s.applyDelete(items[i].key)
	}
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

func init() {
	gob.Register(http.Header{})
}
