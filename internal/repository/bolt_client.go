package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"persona-relay/internal/domain"
)

var (
	bucketConversations = []byte("conversations") // record id -> conversation JSON
	bucketConvIDs       = []byte("conversation_ids")
	bucketThreads       = []byte("threads")
	bucketMessages      = []byte("messages")      // conversation id -> nested bucket of sort key -> message JSON
	bucketMessageIDs    = []byte("message_index") // message id -> conversation id + sort key
)

// BoltStore is a single-file store for running the coordinator as one
// long-lived process without DynamoDB. Bolt serializes writers, so every
// update below is atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

type boltConversation struct {
	ID           string    `json:"id"`
	ThreadHandle string    `json:"thread_handle"`
	Mode         string    `json:"mode"`
	Visitor      string    `json:"visitor"`
	CreatedAt    time.Time `json:"created_at"`
}

type boltMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Displayed      bool      `json:"displayed"`
}

type boltMessageRef struct {
	ConversationID string `json:"conversation_id"`
	SortKey        string `json:"sort_key"`
}

// OpenBoltStore opens (creating if needed) the bolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: bolt path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("repository: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketConvIDs, bucketThreads, bucketMessages, bucketMessageIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: init bolt buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	if c.ID == "" || c.ThreadHandle == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: id and thread handle are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.Mode == "" {
		c.Mode = domain.ModeAutomatic
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketConvIDs)
		threads := tx.Bucket(bucketThreads)
		if ids.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("conversation %q already exists", c.ID)
		}
		if threads.Get([]byte(c.ThreadHandle)) != nil {
			return fmt.Errorf("thread %q already correlated", c.ThreadHandle)
		}
		convs := tx.Bucket(bucketConversations)
		seq, err := convs.NextSequence()
		if err != nil {
			return err
		}
		c.StoreRecordID = strconv.FormatUint(seq, 10)
		raw, err := json.Marshal(boltConversation{
			ID:           c.ID,
			ThreadHandle: c.ThreadHandle,
			Mode:         string(c.Mode),
			Visitor:      c.Visitor,
			CreatedAt:    c.CreatedAt.UTC(),
		})
		if err != nil {
			return err
		}
		if err := convs.Put([]byte(c.StoreRecordID), raw); err != nil {
			return err
		}
		if err := ids.Put([]byte(c.ID), []byte(c.StoreRecordID)); err != nil {
			return err
		}
		return threads.Put([]byte(c.ThreadHandle), []byte(c.StoreRecordID))
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return c, nil
}

func (s *BoltStore) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	return s.conversationVia(bucketConvIDs, conversationID)
}

func (s *BoltStore) GetConversationByThread(_ context.Context, threadHandle string) (domain.Conversation, error) {
	return s.conversationVia(bucketThreads, threadHandle)
}

func (s *BoltStore) conversationVia(index []byte, k string) (domain.Conversation, error) {
	var c domain.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		recordID := tx.Bucket(index).Get([]byte(k))
		if recordID == nil {
			return domain.ErrNotFound
		}
		var err error
		c, err = readConversation(tx, string(recordID))
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, domain.ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("repository: read conversation: %w", err)
	}
	return c, nil
}

func (s *BoltStore) SetMode(_ context.Context, recordID string, mode domain.Mode) (domain.Mode, error) {
	var prev domain.Mode
	err := s.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		raw := convs.Get([]byte(recordID))
		if raw == nil {
			return domain.ErrNotFound
		}
		var bc boltConversation
		if err := json.Unmarshal(raw, &bc); err != nil {
			return err
		}
		prev = domain.ParseMode(bc.Mode)
		bc.Mode = string(mode)
		updated, err := json.Marshal(bc)
		if err != nil {
			return err
		}
		return convs.Put([]byte(recordID), updated)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("repository: SetMode: %w", err)
	}
	return prev, nil
}

func (s *BoltStore) SaveMessage(_ context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: SaveMessage: id and conversation id are required")
	}
	if msg.Timestamp.IsZero() {
		return errors.New("repository: SaveMessage: timestamp is required")
	}
	sortKey := formatTime(msg.Timestamp) + "#" + msg.ID

	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketMessageIDs)
		if index.Get([]byte(msg.ID)) != nil {
			return fmt.Errorf("message %q already exists", msg.ID)
		}
		conv, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(toBoltMessage(msg))
		if err != nil {
			return err
		}
		if err := conv.Put([]byte(sortKey), raw); err != nil {
			return err
		}
		ref, err := json.Marshal(boltMessageRef{ConversationID: msg.ConversationID, SortKey: sortKey})
		if err != nil {
			return err
		}
		return index.Put([]byte(msg.ID), ref)
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMessage: %w", err)
	}
	return nil
}

func (s *BoltStore) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	msgs, err := s.scanMessages(conversationID, func(domain.Message) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *BoltStore) ListUndisplayed(_ context.Context, conversationID string) ([]domain.Message, error) {
	msgs, err := s.scanMessages(conversationID, func(m domain.Message) bool { return !m.Displayed })
	if err != nil {
		return nil, fmt.Errorf("repository: ListUndisplayed: %w", err)
	}
	return msgs, nil
}

func (s *BoltStore) MarkDisplayed(_ context.Context, messageID string) (bool, error) {
	flipped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		rawRef := tx.Bucket(bucketMessageIDs).Get([]byte(messageID))
		if rawRef == nil {
			return domain.ErrNotFound
		}
		var ref boltMessageRef
		if err := json.Unmarshal(rawRef, &ref); err != nil {
			return err
		}
		conv := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
		if conv == nil {
			return domain.ErrNotFound
		}
		raw := conv.Get([]byte(ref.SortKey))
		if raw == nil {
			return domain.ErrNotFound
		}
		var bm boltMessage
		if err := json.Unmarshal(raw, &bm); err != nil {
			return err
		}
		if bm.Displayed {
			return nil
		}
		bm.Displayed = true
		updated, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		flipped = true
		return conv.Put([]byte(ref.SortKey), updated)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("repository: MarkDisplayed: %w", err)
	}
	return flipped, nil
}

// scanMessages walks a conversation's messages in sort-key order.
func (s *BoltStore) scanMessages(conversationID string, keep func(domain.Message) bool) ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		return conv.ForEach(func(_, v []byte) error {
			var bm boltMessage
			if err := json.Unmarshal(v, &bm); err != nil {
				return err
			}
			if m := fromBoltMessage(bm); keep(m) {
				msgs = append(msgs, m)
			}
			return nil
		})
	})
	return msgs, err
}

func readConversation(tx *bolt.Tx, recordID string) (domain.Conversation, error) {
	raw := tx.Bucket(bucketConversations).Get([]byte(recordID))
	if raw == nil {
		return domain.Conversation{}, domain.ErrNotFound
	}
	var bc boltConversation
	if err := json.Unmarshal(raw, &bc); err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:            bc.ID,
		StoreRecordID: recordID,
		ThreadHandle:  bc.ThreadHandle,
		Mode:          domain.ParseMode(bc.Mode),
		Visitor:       bc.Visitor,
		CreatedAt:     bc.CreatedAt,
	}, nil
}

func toBoltMessage(m domain.Message) boltMessage {
	return boltMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		Timestamp:      m.Timestamp.UTC(),
		Displayed:      m.Displayed,
	}
}

func fromBoltMessage(bm boltMessage) domain.Message {
	return domain.Message{
		ID:             bm.ID,
		ConversationID: bm.ConversationID,
		Role:           domain.Role(bm.Role),
		Content:        bm.Content,
		Timestamp:      bm.Timestamp,
		Displayed:      bm.Displayed,
	}
}
