package repositories

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"dm-relay/contract"
	"dm-relay/domain"
	apperrors "dm-relay/errors"
)

const (
	// Main record: "msg:{conversationKey}:{paddedID}" -> JSON message.
	// The 19-digit zero padding keeps keys in id order under the
	// lexicographical iteration BadgerDB provides.
	msgKeyFormat = "msg:%s:%019d"
	// Id index: "idx:msg:{paddedID}" -> main record key, for point lookups
	// by the store-assigned id.
	idxKeyFormat = "idx:msg:%019d"
	// Conversation listing: "conv:{identity}:{conversationKey}" -> summary.
	convKeyFormat = "conv:%s:%s"

	idSequenceKey = "seq:msg"
	maxPaddedID   = "9999999999999999999"
)

type MessageRepository struct {
	db    *badger.DB
	seq   *badger.Sequence
	log   *slog.Logger
	limit int
}

var _ contract.MessageRepository = (*MessageRepository)(nil)

// NewMessageRepository wires the gateway onto an open BadgerDB handle.
// limit caps the page size of GetConversation.
func NewMessageRepository(db *badger.DB, log *slog.Logger, limit int) (*MessageRepository, error) {
	seq, err := db.GetSequence([]byte(idSequenceKey), 128)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &MessageRepository{db: db, seq: seq, log: log, limit: limit}, nil
}

// Close releases the id sequence lease. Unused leased ids are lost, which
// only leaves gaps in the id space, never reuses one.
func (r *MessageRepository) Close() error {
	return r.seq.Release()
}

// NextID leases the next monotonic message id. Ids start at 1 so that 0
// can mean "not yet assigned".
func (r *MessageRepository) NextID() (uint64, error) {
	n, err := r.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return n + 1, nil
}

// Insert persists a message, assigning id and timestamp when unset, and
// refreshes the conversation listing of both participants.
func (r *MessageRepository) Insert(msg domain.Message) (domain.Message, error) {
	if msg.From == "" || msg.To == "" || msg.Text == "" || msg.ConversationKey == "" {
		return domain.Message{}, fmt.Errorf("%w: missing from, to, text or conversation key", apperrors.ErrConstraintViolation)
	}
	if msg.Status == "" {
		msg.Status = domain.StatusSent
	}
	if !msg.Status.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown status %q", apperrors.ErrConstraintViolation, msg.Status)
	}
	if msg.ID == 0 {
		id, err := r.NextID()
		if err != nil {
			return domain.Message{}, err
		}
		msg.ID = id
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		if err := writeMessage(txn, msg); err != nil {
			return err
		}
		if err := writeSummary(txn, msg.From, msg.To, msg); err != nil {
			return err
		}
		return writeSummary(txn, msg.To, msg.From, msg)
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return msg, nil
}

// UpdateStatus advances a single message. It returns the updated message
// when a forward transition happened, nil when the message is already at or
// past the target (idempotent no-op), and ErrUnknownMessage when the id was
// never assigned to a persisted message.
func (r *MessageRepository) UpdateStatus(id uint64, target domain.Status) (*domain.Message, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrConstraintViolation, target)
	}
	var updated *domain.Message
	err := r.db.Update(func(txn *badger.Txn) error {
		msg, key, err := readByID(txn, id)
		if err != nil {
			return err
		}
		if !msg.Status.Advances(target) {
			return nil
		}
		msg.Status = target
		value, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return err
		}
		updated = &msg
		return nil
	})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, apperrors.ErrUnknownMessage):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
}

// UpdateStatusForConversation bulk-advances every message from one identity
// to the other that has not yet reached target. Returns the updated ids in
// id order.
func (r *MessageRepository) UpdateStatusForConversation(from, to string, target domain.Status) ([]uint64, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrConstraintViolation, target)
	}
	var updated []uint64
	prefix := []byte("msg:" + domain.DeriveKey(from, to) + domain.KeySeparator)
	err := r.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var msg domain.Message
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &msg)
			}); err != nil {
				return err
			}
			if msg.From != from || !msg.Status.Advances(target) {
				continue
			}
			msg.Status = target
			value, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(item.KeyCopy(nil), value); err != nil {
				return err
			}
			updated = append(updated, msg.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return updated, nil
}

// GetConversation retrieves one page of a conversation, newest first, using
// a reverse prefix scan. The returned cursor resumes the scan backwards and
// is nil once the oldest message has been reached.
func (r *MessageRepository) GetConversation(a, b string, cursor *string) ([]domain.Message, *string, error) {
	var messages []domain.Message
	var lastKey string
	prefixStr := "msg:" + domain.DeriveKey(a, b) + domain.KeySeparator
	prefix := []byte(prefixStr)

	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			seekKey = append([]byte(prefixStr), []byte(maxPaddedID)...)
		default:
			seekKey = append([]byte(prefixStr), []byte(*cursor)...)
		}

		it.Seek(seekKey)
		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == r.limit {
				r.log.Debug(fmt.Sprintf("Maximum of %d messages reached", r.limit))
				return nil
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefixStr):])
			var msg domain.Message
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		// The prefix is exhausted: no further page.
		lastKey = ""
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if lastKey == "" {
		return messages, nil, nil
	}
	return messages, &lastKey, nil
}

// ListConversations returns the conversations an identity participates in,
// most recently active first.
func (r *MessageRepository) ListConversations(identity string) ([]domain.ConversationSummary, error) {
	var summaries []domain.ConversationSummary
	prefix := []byte("conv:" + identity + domain.KeySeparator)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var summary domain.ConversationSummary
			if err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &summary)
			}); err != nil {
				return err
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries, nil
}

func writeMessage(txn *badger.Txn, msg domain.Message) error {
	key := fmt.Sprintf(msgKeyFormat, msg.ConversationKey, msg.ID)
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(key), value); err != nil {
		return err
	}
	idxKey := fmt.Sprintf(idxKeyFormat, msg.ID)
	return txn.Set([]byte(idxKey), []byte(key))
}

func writeSummary(txn *badger.Txn, owner, peer string, msg domain.Message) error {
	summary := domain.ConversationSummary{
		Peer:            peer,
		ConversationKey: msg.ConversationKey,
		LastMessageID:   msg.ID,
		LastActivity:    msg.CreatedAt,
	}
	value, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(convKeyFormat, owner, msg.ConversationKey)
	return txn.Set([]byte(key), value)
}

func readByID(txn *badger.Txn, id uint64) (domain.Message, []byte, error) {
	idxKey := fmt.Sprintf(idxKeyFormat, id)
	item, err := txn.Get([]byte(idxKey))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.Message{}, nil, fmt.Errorf("%w: %d", apperrors.ErrUnknownMessage, id)
		}
		return domain.Message{}, nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Message{}, nil, err
	}
	item, err = txn.Get(key)
	if err != nil {
		return domain.Message{}, nil, err
	}
	var msg domain.Message
	if err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &msg)
	}); err != nil {
		return domain.Message{}, nil, err
	}
	return msg, key, nil
}
