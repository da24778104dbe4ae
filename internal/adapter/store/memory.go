package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"toolrelay/internal/domain"
)

// MemoryStore is a map-backed ConversationStore and ApprovalStore. History
// is lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string]storedMessage
	seq       uint64
	approvals map[string]map[string]struct{}
	now       func() time.Time
}

type storedMessage struct {
	msg domain.Message
	seq uint64
}

var (
	_ domain.ConversationStore = (*MemoryStore)(nil)
	_ domain.ApprovalStore     = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]storedMessage),
		approvals: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

func (s *MemoryStore) GetMessageByID(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.messages[id]
	if !ok {
		return nil, domain.NewDomainError("MemoryStore.GetMessageByID", domain.ErrMessageNotFound, id)
	}
	m, err := cloneMessage(sm.msg)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, msg domain.Message) error {
	m, err := cloneMessage(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.messages[msg.ID]
	if !ok {
		return domain.NewDomainError("MemoryStore.UpdateMessage", domain.ErrMessageNotFound, msg.ID)
	}
	m.ConversationID = sm.msg.ConversationID
	m.CreatedAt = s.stamp(m.CreatedAt)
	s.messages[msg.ID] = storedMessage{msg: m, seq: sm.seq}
	return nil
}

func (s *MemoryStore) SaveMessages(_ context.Context, msgs []domain.Message) error {
	clones := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			return domain.NewDomainError("MemoryStore.SaveMessages", domain.ErrInvalidInput, "message without id")
		}
		m, err := cloneMessage(msg)
		if err != nil {
			return err
		}
		clones = append(clones, m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range clones {
		m.CreatedAt = s.stamp(m.CreatedAt)
		seq := s.seq
		if existing, ok := s.messages[m.ID]; ok {
			seq = existing.seq
		} else {
			s.seq++
		}
		s.messages[m.ID] = storedMessage{msg: m, seq: seq}
	}
	return nil
}

func (s *MemoryStore) GetMessagesByConversation(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.RLock()
	var found []storedMessage
	for _, sm := range s.messages {
		if sm.msg.ConversationID == conversationID {
			found = append(found, sm)
		}
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]domain.Message, 0, len(found))
	for _, sm := range found {
		m, err := cloneMessage(sm.msg)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sm := range s.messages {
		if sm.msg.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LoadApprovals(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.approvals[conversationID]))
	for k := range s.approvals[conversationID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) AddApproval(_ context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.approvals[conversationID]
	if !ok {
		set = make(map[string]struct{})
		s.approvals[conversationID] = set
	}
	set[key] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveApproval(_ context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.approvals[conversationID], key)
	return nil
}

func (s *MemoryStore) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

// cloneMessage deep-copies m through its JSON form, the same representation
// the SQLite store persists.
func cloneMessage(m domain.Message) (domain.Message, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return domain.Message{}, fmt.Errorf("clone message %s: %w", m.ID, err)
	}
	var out domain.Message
	if err := json.Unmarshal(b, &out); err != nil {
		return domain.Message{}, fmt.Errorf("clone message %s: %w", m.ID, err)
	}
	return out, nil
}
