// Package queue holds the durable write queue of the queued-persistence
// strategy: sends land here first so the sender can be acknowledged before
// the store write completes, and a drain worker applies entries to the
// message store in FIFO order. Status transitions that arrive before their
// message's row has landed queue behind the insert.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"dm-relay/domain"
	apperrors "dm-relay/errors"
)

const (
	entryKeyFormat = "outbox:%019d"
	entryPrefix    = "outbox:"
	seqKey         = "seq:outbox"
)

// Op discriminates what a queued entry does to the store.
type Op string

const (
	// OpInsert lands a message row.
	OpInsert Op = "insert"
	// OpStatus advances the status of a message whose row may itself still
	// be waiting in the queue. FIFO order guarantees it applies after the
	// insert it races.
	OpStatus Op = "status"
)

// Entry is one pending store write. The key orders entries FIFO.
type Entry struct {
	Key       []byte         `json:"-"`
	Op        Op             `json:"op"`
	Message   domain.Message `json:"message,omitempty"`
	MessageID uint64         `json:"messageId,omitempty"`
	Status    domain.Status  `json:"status,omitempty"`
}

// Outbox is a BadgerDB-backed FIFO. Entries survive a process restart;
// whatever was pushed but not acknowledged before a crash is picked up by
// the next drain loop.
type Outbox struct {
	db   *badger.DB
	seq  *badger.Sequence
	log  *slog.Logger
	wake chan struct{}
}

func NewOutbox(db *badger.DB, log *slog.Logger) (*Outbox, error) {
	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &Outbox{db: db, seq: seq, log: log, wake: make(chan struct{}, 1)}, nil
}

func (o *Outbox) Close() error {
	return o.seq.Release()
}

// Push appends a message insert to the queue and wakes a blocked Pop.
func (o *Outbox) Push(msg domain.Message) error {
	return o.push(Entry{Op: OpInsert, Message: msg})
}

// PushStatus appends a status transition behind whatever is already queued,
// typically the insert of the very message it targets.
func (o *Outbox) PushStatus(id uint64, target domain.Status) error {
	return o.push(Entry{Op: OpStatus, MessageID: id, Status: target})
}

func (o *Outbox) push(entry Entry) error {
	n, err := o.seq.Next()
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConstraintViolation, err)
	}
	key := fmt.Sprintf(entryKeyFormat, n)
	err = o.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	o.log.Debug("outbox entry queued", "key", key, "op", string(entry.Op))
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until the oldest entry is available or ctx is done.
// The entry stays in the queue until Ack; popping again without an Ack
// returns the same entry, which gives the drain loop at-least-once handoff.
func (o *Outbox) Pop(ctx context.Context) (*Entry, error) {
	for {
		entry, err := o.head()
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.wake:
		}
	}
}

// Ack removes a delivered entry.
func (o *Outbox) Ack(entry *Entry) error {
	err := o.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entry.Key)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// Len counts pending entries. Used for observability and tests.
func (o *Outbox) Len() (int, error) {
	count := 0
	err := o.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek([]byte(entryPrefix)); it.ValidForPrefix([]byte(entryPrefix)); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return count, nil
}

func (o *Outbox) head() (*Entry, error) {
	var entry *Entry
	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		it.Seek([]byte(entryPrefix))
		if !it.ValidForPrefix([]byte(entryPrefix)) {
			return nil
		}
		item := it.Item()
		var head Entry
		if err := item.Value(func(value []byte) error {
			return json.Unmarshal(value, &head)
		}); err != nil {
			return err
		}
		head.Key = item.KeyCopy(nil)
		entry = &head
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return entry, nil
}
