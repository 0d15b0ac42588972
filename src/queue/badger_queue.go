package queue

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

const (
	entryPrefix  = "qe"
	headPrefix   = "hd"
	cursorPrefix = "cur"
)

func entryKey(peer rid.RID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%s_%020d", entryPrefix, peer, seq))
}

func entryScanPrefix(peer rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s_", entryPrefix, peer))
}

func headKey(peer rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s", headPrefix, peer))
}

func cursorKey(peer rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s", cursorPrefix, peer))
}

// BadgerQueue implements Queue on its own Badger database, separate from the
// index store's.
type BadgerQueue struct {
	db        *badger.DB
	peerLocks *cm.LockMap
	path      string
	logger    *logrus.Entry
}

// NewBadgerQueue opens an existing queue database or creates a new one in
// path.
func NewBadgerQueue(path string, logger *logrus.Entry) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithTruncate(true)

	if logger != nil {
		sub := logger.WithFields(logrus.Fields{"ns": "badger-queue"})
		opts = opts.WithLogger(sub)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerQueue{
		db:        handle,
		peerLocks: cm.NewLockMap(),
		path:      path,
		logger:    logger,
	}, nil
}

func isKeyNotFound(err error) bool {
	return err != nil && err.Error() == badger.ErrKeyNotFound.Error()
}

// getUint reads a decimal counter key; missing keys read as zero.
func (q *BadgerQueue) getUint(key []byte) (uint64, error) {
	var val uint64
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		val, err = strconv.ParseUint(string(data), 10, 64)
		return err
	})

	if isKeyNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, cm.NewStoreErr("Queue", cm.Unavailable, string(key))
	}

	return val, nil
}

func uintBytes(v uint64) []byte {
	return []byte(strconv.FormatUint(v, 10))
}

// Enqueue appends one entry, bumping the peer's head sequence atomically with
// the entry write so sequences stay gapless across crashes.
func (q *BadgerQueue) Enqueue(peer, r rid.RID, et object.EventType) (*Entry, error) {
	mu := q.peerLocks.Get(peer.String())
	mu.Lock()
	defer mu.Unlock()

	head, err := q.getUint(headKey(peer))
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		PeerRID: peer,
		Seq:     head + 1,
		Rid:     r,
		Type:    et,
	}
	entryBytes, err := entry.Marshal()
	if err != nil {
		return nil, err
	}

	tx := q.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(entryKey(peer, entry.Seq), entryBytes); err != nil {
		return nil, cm.NewStoreErr("Queue", cm.Unavailable, peer.String())
	}
	if err := tx.Set(headKey(peer), uintBytes(entry.Seq)); err != nil {
		return nil, cm.NewStoreErr("Queue", cm.Unavailable, peer.String())
	}
	if err := tx.Commit(); err != nil {
		return nil, cm.NewStoreErr("Queue", cm.Unavailable, peer.String())
	}

	return entry, nil
}

// Drain returns up to limit entries after the acked cursor, in sequence
// order, without advancing the cursor.
func (q *BadgerQueue) Drain(peer rid.RID, limit int) ([]*Entry, error) {
	out := []*Entry{}
	if limit <= 0 {
		return out, nil
	}

	cursor, err := q.getUint(cursorKey(peer))
	if err != nil {
		return nil, err
	}

	prefix := entryScanPrefix(peer)
	start := entryKey(peer, cursor+1)

	err = q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if len(out) >= limit {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry := new(Entry)
			if err := entry.Unmarshal(v); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})

	if err != nil {
		return nil, cm.NewStoreErr("Queue", cm.Unavailable, peer.String())
	}

	return out, nil
}

// Ack advances the durable cursor. The cursor never retreats and never runs
// past the head.
func (q *BadgerQueue) Ack(peer rid.RID, seq uint64) error {
	mu := q.peerLocks.Get(peer.String())
	mu.Lock()
	defer mu.Unlock()

	head, err := q.getUint(headKey(peer))
	if err != nil {
		return err
	}
	if seq > head {
		seq = head
	}

	cursor, err := q.getUint(cursorKey(peer))
	if err != nil {
		return err
	}
	if seq <= cursor {
		return nil
	}

	tx := q.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(cursorKey(peer), uintBytes(seq)); err != nil {
		return cm.NewStoreErr("Cursor", cm.Unavailable, peer.String())
	}
	if err := tx.Commit(); err != nil {
		return cm.NewStoreErr("Cursor", cm.Unavailable, peer.String())
	}

	return nil
}

// Depth reports head minus cursor: entries not yet acknowledged.
func (q *BadgerQueue) Depth(peer rid.RID) (int, error) {
	head, err := q.getUint(headKey(peer))
	if err != nil {
		return 0, err
	}
	cursor, err := q.getUint(cursorKey(peer))
	if err != nil {
		return 0, err
	}
	return int(head - cursor), nil
}

// Peers lists every peer with a queue, drained or not.
func (q *BadgerQueue) Peers() ([]rid.RID, error) {
	peers := []rid.RID{}
	prefix := []byte(headPrefix + "_")

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			peers = append(peers, rid.RID(bytes.TrimPrefix(key, prefix)))
		}
		return nil
	})

	if err != nil {
		return nil, cm.NewStoreErr("Queue", cm.Unavailable, "peers")
	}

	return peers, nil
}

// Drop discards a peer's queue, head, and cursor.
func (q *BadgerQueue) Drop(peer rid.RID) error {
	mu := q.peerLocks.Get(peer.String())
	mu.Lock()
	defer mu.Unlock()

	keys, err := q.collectKeys(entryScanPrefix(peer), nil)
	if err != nil {
		return err
	}
	keys = append(keys, headKey(peer), cursorKey(peer))

	return q.deleteKeys(keys, peer)
}

// Reclaim deletes entries already covered by the acked cursor; depth is
// unaffected.
func (q *BadgerQueue) Reclaim(peer rid.RID) (int, error) {
	mu := q.peerLocks.Get(peer.String())
	mu.Lock()
	defer mu.Unlock()

	cursor, err := q.getUint(cursorKey(peer))
	if err != nil {
		return 0, err
	}
	if cursor == 0 {
		return 0, nil
	}

	boundary := entryKey(peer, cursor)
	keys, err := q.collectKeys(entryScanPrefix(peer), boundary)
	if err != nil {
		return 0, err
	}

	if err := q.deleteKeys(keys, peer); err != nil {
		return 0, err
	}

	return len(keys), nil
}

// collectKeys gathers keys under prefix; when boundary is non-nil, only keys
// at or below it.
func (q *BadgerQueue) collectKeys(prefix, boundary []byte) ([][]byte, error) {
	keys := [][]byte{}

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if boundary != nil && bytes.Compare(key, boundary) > 0 {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})

	if err != nil {
		return nil, cm.NewStoreErr("Queue", cm.Unavailable, string(prefix))
	}

	return keys, nil
}

func (q *BadgerQueue) deleteKeys(keys [][]byte, peer rid.RID) error {
	const batch = 1000

	for len(keys) > 0 {
		n := len(keys)
		if n > batch {
			n = batch
		}

		tx := q.db.NewTransaction(true)
		for _, k := range keys[:n] {
			if err := tx.Delete(k); err != nil {
				tx.Discard()
				return cm.NewStoreErr("Queue", cm.Unavailable, peer.String())
			}
		}
		if err := tx.Commit(); err != nil {
			tx.Discard()
			return cm.NewStoreErr("Queue", cm.Unavailable, peer.String())
		}
		tx.Discard()

		keys = keys[n:]
	}

	return nil
}

// Close ...
func (q *BadgerQueue) Close() error {
	return q.db.Close()
}
