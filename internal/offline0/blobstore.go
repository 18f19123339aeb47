package offline0

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"offline0/internal/logger"
)

// BlobStore is the namespaced response cache. Per-key operations are atomic;
// nothing spans keys except PutBatch and DeleteNamespace.
type BlobStore interface {
	// Put stores ent under (method, url). The write is visible to Get on
	// return; persisting it to disk may complete later.
	Put(ns, method, url string, ent CacheEntry) error
	// PutBatch stores all items in one atomic, synchronous write.
	PutBatch(ns string, items []BlobItem) error
	Get(ns, method, url string) (CacheEntry, bool, error)
	ListNamespaces() ([]string, error)
	DeleteNamespace(name string) error
}

type BlobItem struct {
	Method string
	URL    string
	Entry  CacheEntry
}

const (
	nsMarkerPrefix = "n:"
	entryPrefix    = "e:"
	keySep         = "\x00"
)

func entryKey(ns, key string) []byte { return []byte(entryPrefix + ns + keySep + key) }
func nsKey(ns string) []byte         { return []byte(nsMarkerPrefix + ns) }

type storeOp struct {
	batch    *leveldb.Batch
	deleteNS string
	done     chan error

	// set when the entry is held in pending until this write lands
	pendingKey string
	pendingSeq uint64
}

type pendingEntry struct {
	ent CacheEntry
	seq uint64
}

// levelStore keeps entries in leveldb with a bounded LRU of decoded entries
// in front. All disk mutations go through a single writer goroutine so a
// namespace deletion is ordered after every put queued before it. Entries
// too large for the LRU wait in pending until their write reaches disk.
type levelStore struct {
	db          *leveldb.DB
	ram         *lru.Cache[string, CacheEntry]
	maxRAMEntry int64
	errLog      *rateLimitedLogger

	pmu     sync.Mutex
	pending map[string]pendingEntry
	seq     uint64

	mu     sync.RWMutex
	closed bool
	dead   map[string]struct{}

	ops  chan storeOp
	done chan struct{}
}

func OpenBlobStore(path string, ramEntries int, maxRAMEntry int64) (*levelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open blob store %s: %w", path, err)
	}
	if ramEntries <= 0 {
		ramEntries = 1
	}
	ram, err := lru.New[string, CacheEntry](ramEntries)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &levelStore{
		db:          db,
		ram:         ram,
		maxRAMEntry: maxRAMEntry,
		errLog:      newRateLimitedLogger(time.Minute),
		dead:        map[string]struct{}{},
		pending:     map[string]pendingEntry{},
		ops:         make(chan storeOp, 1024),
		done:        make(chan struct{}),
	}
	go s.writerLoop()
	return s, nil
}

func (s *levelStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

// send enqueues op unless the store is closed.
func (s *levelStore) send(op storeOp) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.ops <- op
	return nil
}

// sendBatch enqueues op for ns under the same read lock as the dead check,
// so a concurrent DeleteNamespace is ordered after it or rejects it.
func (s *levelStore) sendBatch(ns string, op storeOp) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, dead := s.dead[ns]; dead {
		return fmt.Errorf("namespace %s was deleted", ns)
	}
	s.ops <- op
	return nil
}

func (s *levelStore) isDead(ns string) bool {
	s.mu.RLock()
	_, ok := s.dead[ns]
	s.mu.RUnlock()
	return ok
}

func (s *levelStore) Put(ns, method, url string, ent CacheEntry) error {
	key := cacheKey(method, url)
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(nsKey(ns), nil)
	batch.Put(entryKey(ns, key), b)

	// the dead check and the enqueue happen under one read lock, so a put
	// either lands before DeleteNamespace's op or is dropped
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, dead := s.dead[ns]; dead {
		return nil
	}
	op := storeOp{batch: batch}
	rk := ns + keySep + key
	if s.maxRAMEntry <= 0 || int64(len(b)) <= s.maxRAMEntry {
		s.ram.Add(rk, ent)
		s.pmu.Lock()
		delete(s.pending, rk)
		s.pmu.Unlock()
	} else {
		s.ram.Remove(rk)
		s.pmu.Lock()
		s.seq++
		s.pending[rk] = pendingEntry{ent: ent, seq: s.seq}
		op.pendingKey, op.pendingSeq = rk, s.seq
		s.pmu.Unlock()
	}
	s.ops <- op
	return nil
}

func (s *levelStore) PutBatch(ns string, items []BlobItem) error {
	batch := new(leveldb.Batch)
	batch.Put(nsKey(ns), nil)
	for _, it := range items {
		b, err := encodeGob(it.Entry)
		if err != nil {
			return err
		}
		batch.Put(entryKey(ns, cacheKey(it.Method, it.URL)), b)
	}
	done := make(chan error, 1)
	if err := s.sendBatch(ns, storeOp{batch: batch, done: done}); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}
	for _, it := range items {
		s.ram.Remove(ns + keySep + cacheKey(it.Method, it.URL))
	}
	return nil
}

func (s *levelStore) Get(ns, method, url string) (CacheEntry, bool, error) {
	if s.isDead(ns) {
		return CacheEntry{}, false, nil
	}
	key := cacheKey(method, url)
	rk := ns + keySep + key
	if ent, ok := s.ram.Get(rk); ok {
		return ent, true, nil
	}
	s.pmu.Lock()
	p, ok := s.pending[rk]
	s.pmu.Unlock()
	if ok {
		return p.ent, true, nil
	}
	b, err := s.db.Get(entryKey(ns, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if s.maxRAMEntry <= 0 || int64(len(b)) <= s.maxRAMEntry {
		s.ram.Add(ns+keySep+key, ent)
	}
	return ent, true, nil
}

// Flush blocks until every write queued before it has reached leveldb.
func (s *levelStore) Flush() error {
	done := make(chan error, 1)
	if err := s.send(storeOp{done: done}); err != nil {
		return err
	}
	return <-done
}

func (s *levelStore) ListNamespaces() ([]string, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(nsMarkerPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(nsMarkerPrefix))))
	}
	return out, it.Error()
}

// DeleteNamespace drops every entry of name. Later puts to name are
// discarded so in-flight requests cannot bring it back.
func (s *levelStore) DeleteNamespace(name string) error {
	s.mu.Lock()
	s.dead[name] = struct{}{}
	s.mu.Unlock()

	prefix := name + keySep
	for _, k := range s.ram.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.ram.Remove(k)
		}
	}
	s.pmu.Lock()
	for k := range s.pending {
		if strings.HasPrefix(k, prefix) {
			delete(s.pending, k)
		}
	}
	s.pmu.Unlock()

	done := make(chan error, 1)
	if err := s.send(storeOp{deleteNS: name, done: done}); err != nil {
		return err
	}
	return <-done
}

// Entries reports how many decoded entries are held in memory.
func (s *levelStore) Entries() int { return s.ram.Len() }

func (s *levelStore) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		var err error
		switch {
		case op.deleteNS != "":
			err = s.applyDeleteNamespace(op.deleteNS)
		case op.batch != nil:
			err = s.db.Write(op.batch, nil)
		}
		if op.pendingKey != "" {
			s.settle(op.pendingKey, op.pendingSeq)
		}
		if op.done != nil {
			op.done <- err
		} else if err != nil {
			s.errLog.Warn("blob store write failed", logger.Err(err))
		}
	}
}

// settle drops a pending entry once its write has been attempted, unless a
// newer put for the same key replaced it.
func (s *levelStore) settle(key string, seq uint64) {
	s.pmu.Lock()
	if p, ok := s.pending[key]; ok && p.seq == seq {
		delete(s.pending, key)
	}
	s.pmu.Unlock()
}

func (s *levelStore) applyDeleteNamespace(ns string) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+ns+keySep)), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	batch.Delete(nsKey(ns))
	return s.db.Write(batch, nil)
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
