package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"toolrelay/internal/domain"
)

// --- Mocks ---

type mockTool struct {
	name     string
	gated    bool
	validate func(json.RawMessage) error
	exec     func(ctx context.Context, args json.RawMessage, ec domain.ExecContext) (*domain.ToolResult, error)
	calls    atomic.Int32
}

func (t *mockTool) Name() string        { return t.name }
func (t *mockTool) Description() string { return "mock tool" }
func (t *mockTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *mockTool) Gated() bool { return t.gated }

func (t *mockTool) Validate(args json.RawMessage) error {
	if t.validate != nil {
		return t.validate(args)
	}
	return nil
}

func (t *mockTool) Execute(ctx context.Context, args json.RawMessage, ec domain.ExecContext) (*domain.ToolResult, error) {
	t.calls.Add(1)
	if t.exec != nil {
		return t.exec(ctx, args, ec)
	}
	return &domain.ToolResult{Content: "ok"}, nil
}

type mockRegistry struct {
	tools map[string]*mockTool
}

func newMockRegistry(tools ...*mockTool) *mockRegistry {
	r := &mockRegistry{tools: make(map[string]*mockTool)}
	for _, t := range tools {
		r.tools[t.name] = t
	}
	return r
}

func (r *mockRegistry) Lookup(name string) (domain.Capability, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("mockRegistry.Lookup", domain.ErrToolNotFound, name)
	}
	return t, nil
}

func (r *mockRegistry) Schemas() []domain.ToolSchema {
	var out []domain.ToolSchema
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	return out
}

// recordingWriter collects chunks in write order.
type recordingWriter struct {
	mu     sync.Mutex
	chunks []domain.StreamChunk
	closed bool
}

func (w *recordingWriter) Write(ctx context.Context, c domain.StreamChunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || ctx.Err() != nil {
		return domain.ErrStreamClosed
	}
	w.chunks = append(w.chunks, c)
	return nil
}

func (w *recordingWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *recordingWriter) Chunks() []domain.StreamChunk {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.StreamChunk(nil), w.chunks...)
}

func (w *recordingWriter) ofType(t domain.ChunkType) []domain.StreamChunk {
	var out []domain.StreamChunk
	for _, c := range w.Chunks() {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// countingStore is an in-memory ConversationStore and ApprovalStore that
// counts writes and can inject failures.
type countingStore struct {
	mu        sync.Mutex
	messages  map[string]domain.Message
	approvals map[string][]string
	updates   int
	getErr    error
	updateErr error
}

func newCountingStore(msgs ...domain.Message) *countingStore {
	s := &countingStore{
		messages:  make(map[string]domain.Message),
		approvals: make(map[string][]string),
	}
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return s
}

func (s *countingStore) GetMessageByID(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return &m, nil
}

func (s *countingStore) UpdateMessage(_ context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates++
	s.messages[msg.ID] = msg
	return nil
}

func (s *countingStore) SaveMessages(_ context.Context, msgs []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return nil
}

func (s *countingStore) GetMessagesByConversation(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *countingStore) DeleteMessagesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *countingStore) LoadApprovals(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.approvals[conversationID]...), nil
}

func (s *countingStore) AddApproval(_ context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[conversationID] = append(s.approvals[conversationID], key)
	return nil
}

func (s *countingStore) RemoveApproval(_ context.Context, conversationID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.approvals[conversationID]
	for i, k := range keys {
		if k == key {
			s.approvals[conversationID] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

func (s *countingStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// recordingBus captures published events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// --- Helpers ---

func newTestLogger() *slog.Logger {
	return slog.Default()
}

func callPart(id, tool, args string) domain.Part {
	return domain.ToolInvocationPart(domain.ToolInvocation{
		ToolCallID: id,
		ToolName:   tool,
		Args:       json.RawMessage(args),
		State:      domain.StateCall,
	})
}

func assistantMessage(id string, parts ...domain.Part) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "conv-1",
		Role:           domain.RoleAssistant,
		Parts:          parts,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestConversation(id string, policy ApprovalPolicy) *Conversation {
	return NewConversation(id, NewApprovalGate(id, policy, nil, newTestLogger()))
}

// ledgerIdle reports whether no tool call of conv is claimed but unreleased.
func ledgerIdle(conv *Conversation) bool {
	conv.ledger.mu.Lock()
	defer conv.ledger.mu.Unlock()
	for _, e := range conv.ledger.entries {
		select {
		case <-e.done:
		default:
			return false
		}
	}
	return true
}
