package offline0

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// OutboxRecord is a mutation that failed to reach the origin. Records are
// immutable: a drain either deletes one or leaves it as it was.
type OutboxRecord struct {
	ID        uint64
	Tag       string
	URL       string
	Method    string
	Header    http.Header
	Body      []byte
	CreatedAt time.Time
}

// OutboxStore is a crash-safe queue of pending mutations. Append and Delete
// are each a single atomic, fsynced write.
type OutboxStore interface {
	Append(tag, url, method string, header http.Header, body []byte) (uint64, error)
	// ListAll returns records for tag in ID order; an empty tag lists every
	// record.
	ListAll(tag string) ([]OutboxRecord, error)
	Get(id uint64) (OutboxRecord, error)
	Delete(id uint64) error
}

var (
	seqKey       = []byte("seq")
	recordPrefix = []byte("r:")
)

func recordKey(id uint64) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], id)
	return k
}

type levelOutbox struct {
	db    *leveldb.DB
	clock clockwork.Clock
	wo    *opt.WriteOptions

	mu  sync.Mutex
	seq uint64
}

func OpenOutbox(path string, clock clockwork.Clock) (*levelOutbox, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open outbox %s: %w", path, err)
	}
	o := &levelOutbox{db: db, clock: clock, wo: &opt.WriteOptions{Sync: true}}
	if err := o.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

// loadSeq restores the id counter. The highest stored record is consulted
// too so ids never go backwards.
func (o *levelOutbox) loadSeq() error {
	b, err := o.db.Get(seqKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return err
	case len(b) == 8:
		o.seq = binary.BigEndian.Uint64(b)
	default:
		return fmt.Errorf("outbox: corrupt sequence value")
	}

	it := o.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()
	if it.Last() {
		if id := binary.BigEndian.Uint64(it.Key()[len(recordPrefix):]); id > o.seq {
			o.seq = id
		}
	}
	return it.Error()
}

func (o *levelOutbox) Close() error { return o.db.Close() }

func (o *levelOutbox) Append(tag, url, method string, header http.Header, body []byte) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.seq + 1
	rec := OutboxRecord{
		ID:        id,
		Tag:       tag,
		URL:       url,
		Method:    method,
		Header:    cloneHeader(header),
		Body:      append([]byte(nil), body...),
		CreatedAt: o.clock.Now().UTC(),
	}
	b, err := encodeGob(rec)
	if err != nil {
		return 0, err
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seq[:])
	batch.Put(recordKey(id), b)
	if err := o.db.Write(batch, o.wo); err != nil {
		return 0, fmt.Errorf("outbox append: %w", err)
	}
	o.seq = id
	return id, nil
}

func (o *levelOutbox) ListAll(tag string) ([]OutboxRecord, error) {
	it := o.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()

	var out []OutboxRecord
	for it.Next() {
		var rec OutboxRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("outbox decode %x: %w", it.Key(), err)
		}
		if tag != "" && rec.Tag != tag {
			continue
		}
		out = append(out, rec)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("outbox list: %w", err)
	}
	return out, nil
}

func (o *levelOutbox) Get(id uint64) (OutboxRecord, error) {
	b, err := o.db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return OutboxRecord{}, fmt.Errorf("outbox record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return OutboxRecord{}, err
	}
	var rec OutboxRecord
	if err := decodeGob(b, &rec); err != nil {
		return OutboxRecord{}, err
	}
	return rec, nil
}

func (o *levelOutbox) Delete(id uint64) error {
	if err := o.db.Delete(recordKey(id), o.wo); err != nil {
		return fmt.Errorf("outbox delete %d: %w", id, err)
	}
	return nil
}
