package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"toolrelay/internal/domain"
	"toolrelay/internal/usecase/scheduling"
)

// EvictionTaskName names the idle conversation eviction in the scheduler.
const EvictionTaskName = "conversation_eviction"

// NewConversationID returns a new ULID (time-sortable).
func NewConversationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Conversation is the per-conversation context handed to the processor:
// its approval gate, its invocation ledger and the cancel func of the
// response currently being produced.
type Conversation struct {
	ID   string
	Gate *ApprovalGate

	ledger *invocationLedger

	mu       sync.Mutex
	cancel   context.CancelFunc
	activeID uint64
	nextID   uint64
	lastUsed time.Time
}

// NewConversation creates an isolated conversation context.
func NewConversation(id string, gate *ApprovalGate) *Conversation {
	return &Conversation{ID: id, Gate: gate, ledger: newInvocationLedger(), lastUsed: time.Now()}
}

func (c *Conversation) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

// idleSince reports whether c has been unused since cutoff and holds no
// response, pending approval or running tool call.
func (c *Conversation) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	busy := c.cancel != nil || c.lastUsed.After(cutoff)
	c.mu.Unlock()
	if busy {
		return false
	}
	return len(c.Gate.Pending()) == 0 && c.ledger.inFlight() == 0
}

// BeginResponse derives a cancellable context for one response and registers
// it for Abort. The returned func must be called when the response ends.
func (c *Conversation) BeginResponse(ctx context.Context) (context.Context, func()) {
	respCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.activeID = id
	c.cancel = cancel
	c.mu.Unlock()

	return respCtx, func() {
		cancel()
		c.mu.Lock()
		if c.activeID == id {
			c.cancel = nil
			c.activeID = 0
		}
		c.mu.Unlock()
	}
}

// Abort cancels the in-flight response. It reports whether one was active.
func (c *Conversation) Abort() bool {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.activeID = 0
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// SettledCount reports how many tool calls have settled in this conversation.
func (c *Conversation) SettledCount() int { return c.ledger.settledCount() }

// ConversationManager owns the live conversation contexts.
type ConversationManager struct {
	mu        sync.Mutex
	convs     map[string]*Conversation
	policy    ApprovalPolicy
	approvals domain.ApprovalStore // may be nil
	bus       domain.EventBus      // may be nil
	logger    *slog.Logger
	now       func() time.Time
}

// NewConversationManager creates a manager. approvals and bus may be nil.
func NewConversationManager(policy ApprovalPolicy, approvals domain.ApprovalStore, bus domain.EventBus, logger *slog.Logger) *ConversationManager {
	return &ConversationManager{
		convs:     make(map[string]*Conversation),
		policy:    policy,
		approvals: approvals,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// Get returns the conversation with id, creating it and restoring its
// persisted approvals on first use.
func (m *ConversationManager) Get(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, domain.NewDomainError("ConversationManager.Get", domain.ErrInvalidInput, "empty conversation id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[id]; ok {
		c.touch(m.now())
		return c, nil
	}

	gate := NewApprovalGate(id, m.policy, m.approvals, m.logger)
	if m.approvals != nil {
		keys, err := m.approvals.LoadApprovals(ctx, id)
		if err != nil {
			return nil, domain.WrapOp("ConversationManager.Get", err)
		}
		gate.restore(keys)
	}

	c := NewConversation(id, gate)
	c.touch(m.now())
	m.convs[id] = c
	m.logger.Debug("conversation opened", "conversation_id", id)

	if m.bus != nil {
		m.bus.Publish(ctx, domain.Event{
			Type:           domain.EventConversationCreated,
			Timestamp:      time.Now(),
			ConversationID: id,
		})
	}
	return c, nil
}

// Lookup returns an already-open conversation.
func (m *ConversationManager) Lookup(id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, domain.NewDomainError("ConversationManager.Lookup", domain.ErrConversationNotFound, id)
	}
	return c, nil
}

// List returns the IDs of open conversations in sorted order.
func (m *ConversationManager) List() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Decide routes a user decision to the conversation's gate and publishes
// the tool.approval.response event.
func (m *ConversationManager) Decide(ctx context.Context, conversationID string, d domain.ApprovalDecision) error {
	c, err := m.Lookup(conversationID)
	if err != nil {
		return err
	}
	if err := c.Gate.Decide(ctx, d); err != nil {
		return err
	}
	if m.bus != nil {
		payload, _ := json.Marshal(domain.ApprovalEventPayload{
			ToolCallID: d.ToolCallID,
			Decision:   d.Decision,
			Always:     d.Always,
		})
		m.bus.Publish(ctx, domain.Event{
			Type:           domain.EventToolApprovalResp,
			Timestamp:      time.Now(),
			ConversationID: conversationID,
			Payload:        payload,
		})
	}
	return nil
}

// Revoke removes a tool from the conversation's always-approved set.
func (m *ConversationManager) Revoke(ctx context.Context, conversationID, toolName string) (bool, error) {
	c, err := m.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	removed, err := c.Gate.Revoke(ctx, toolName)
	if err != nil {
		return removed, err
	}
	if removed && m.bus != nil {
		payload, _ := json.Marshal(domain.ApprovalEventPayload{ToolName: toolName})
		m.bus.Publish(ctx, domain.Event{
			Type:           domain.EventApprovalRevoked,
			Timestamp:      time.Now(),
			ConversationID: conversationID,
			Payload:        payload,
		})
	}
	return removed, nil
}

// EvictIdle drops conversations unused for longer than maxIdle. Busy
// conversations are kept. Approvals live on in the approval store and are
// restored by the next Get. It returns the number evicted.
func (m *ConversationManager) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var evicted []string
	for id, c := range m.convs {
		if c.idleSince(cutoff) {
			delete(m.convs, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.logger.Debug("conversation evicted", "conversation_id", id)
		if m.bus != nil {
			m.bus.Publish(ctx, domain.Event{
				Type:           domain.EventConversationEvicted,
				Timestamp:      m.now(),
				ConversationID: id,
			})
		}
	}
	return len(evicted)
}

// ScheduleEviction runs EvictIdle every maxIdle. A non-positive maxIdle
// keeps conversations for the life of the process.
func (m *ConversationManager) ScheduleEviction(s *scheduling.Scheduler, maxIdle time.Duration) error {
	if maxIdle <= 0 {
		return nil
	}
	return s.Add(scheduling.Task{
		Name:     EvictionTaskName,
		Schedule: maxIdle.String(),
		Run: func(ctx context.Context) error {
			if n := m.EvictIdle(ctx, maxIdle); n > 0 {
				m.logger.Info("idle conversations evicted", "count", n)
			}
			return nil
		},
	})
}
