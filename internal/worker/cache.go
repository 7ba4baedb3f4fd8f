package worker

import (
	"encoding/binary"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"PrivateBilling/internal/storage"
)

// sharePrefix prefixes share records in the store.
var sharePrefix = []byte("share/")

// recordHeader is the fixed part of an encoded record.
const recordHeader = 8 + 32

// record is one computed share reply and the batch it answers.
type record struct {
	Fingerprint [32]byte  // Fingerprint identifies the batch the reply was computed for
	Created     time.Time // Created is when the reply was computed
	Reply       []byte    // Reply is the encoded ShareReply payload
}

// encode serializes the record.
// Format: [8B created unix ms] [32B batch fingerprint] [reply payload]
func (r *record) encode() []byte {
	buf := make([]byte, recordHeader+len(r.Reply))
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Created.UnixMilli()))
	copy(buf[8:40], r.Fingerprint[:])
	copy(buf[recordHeader:], r.Reply)

	return buf
}

// decodeRecord parses a stored record.
func decodeRecord(data []byte) (*record, error) {
	if len(data) < recordHeader {
		return nil, fmt.Errorf("share record too short: %d < %d", len(data), recordHeader)
	}

	r := &record{
		Created: time.UnixMilli(int64(binary.BigEndian.Uint64(data[0:8]))),
		Reply:   append([]byte(nil), data[recordHeader:]...),
	}
	copy(r.Fingerprint[:], data[8:40])

	return r, nil
}

// shareCache keeps computed replies in memory, backed by an optional store
// so a restarted Core answers retransmissions with the same bytes.
type shareCache struct {
	mem   *lru.Cache[string, *record] // mem holds recently used records
	store *storage.Storage            // store persists records, nil for memory only
}

// newShareCache creates a cache holding up to size records in memory.
func newShareCache(size int, store *storage.Storage) (*shareCache, error) {
	mem, err := lru.New[string, *record](size)
	if err != nil {
		return nil, fmt.Errorf("create share cache:\n%w", err)
	}

	return &shareCache{mem: mem, store: store}, nil
}

// get returns the record of a session, or nil.
func (c *shareCache) get(sessionID string) (*record, error) {
	if r, ok := c.mem.Get(sessionID); ok {
		return r, nil
	}

	if c.store == nil {
		return nil, nil
	}

	data, err := c.store.Get(shareKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("read share record:\n%w", err)
	}

	if data == nil {
		return nil, nil
	}

	r, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}

	c.mem.Add(sessionID, r)

	return r, nil
}

// put stores a record durably before it is returned to any caller.
func (c *shareCache) put(sessionID string, r *record) error {
	if c.store != nil {
		if err := c.store.Set(shareKey(sessionID), r.encode()); err != nil {
			return fmt.Errorf("persist share record:\n%w", err)
		}
	}

	c.mem.Add(sessionID, r)

	return nil
}

// count returns the number of persisted records, or the memory size without a store.
func (c *shareCache) count() (int, error) {
	if c.store == nil {
		return c.mem.Len(), nil
	}

	n := 0
	err := c.store.IteratePrefix(sharePrefix, func(_, _ []byte) error {
		n++
		return nil
	})

	return n, err
}

// prune removes records created before cutoff and returns how many were removed.
// Without a store the count is the memory removals.
func (c *shareCache) prune(cutoff time.Time) (int, error) {
	removed := 0
	for _, id := range c.mem.Keys() {
		if r, ok := c.mem.Peek(id); ok && r.Created.Before(cutoff) && c.mem.Remove(id) {
			removed++
		}
	}

	if c.store == nil {
		return removed, nil
	}

	var stale [][]byte
	err := c.store.IteratePrefix(sharePrefix, func(key, value []byte) error {
		if len(value) < 8 {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}

		created := time.UnixMilli(int64(binary.BigEndian.Uint64(value[0:8])))
		if created.Before(cutoff) {
			stale = append(stale, append([]byte(nil), key...))
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan share records:\n%w", err)
	}

	if err := c.store.DeleteBatch(stale); err != nil {
		return 0, fmt.Errorf("delete share records:\n%w", err)
	}

	return len(stale), nil
}

// shareKey returns the store key of a session's record.
func shareKey(sessionID string) []byte {
	return append(append([]byte(nil), sharePrefix...), sessionID...)
}
