package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"toolrelay/internal/domain"
)

// ApprovalScope selects how "always allow" decisions are keyed.
type ApprovalScope string

const (
	// ScopeTool keys approvals by tool name only.
	ScopeTool ApprovalScope = "tool"
	// ScopeToolArgs keys approvals by tool name and a digest of the
	// canonical arguments, so a different argument set prompts again.
	ScopeToolArgs ApprovalScope = "tool_args"
)

const argsKeySep = "#"

// Key returns the approval key for a call under this scope.
func (s ApprovalScope) Key(toolName string, args json.RawMessage) string {
	if s != ScopeToolArgs {
		return toolName
	}
	return toolName + argsKeySep + argsDigest(args)
}

// argsDigest hashes the canonical form of args. Decoding and re-encoding
// sorts object keys, so semantically equal arguments share a digest.
func argsDigest(args json.RawMessage) string {
	canonical := []byte("null")
	var v any
	if len(args) > 0 && json.Unmarshal(args, &v) == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:8])
}

// ApprovalPolicy is the config-level approval behaviour applied to every
// conversation.
type ApprovalPolicy struct {
	Scope         ApprovalScope
	AlwaysApprove []string // tool names seeded into every gate
	AlwaysDeny    []string // tool names denied without prompting
}

type pendingApproval struct {
	req domain.ApprovalRequest
	ch  chan domain.ApprovalDecision
}

// ApprovalGate holds one conversation's always-approved set and the
// invocations currently suspended on a user decision.
type ApprovalGate struct {
	conversationID string
	scope          ApprovalScope
	deny           map[string]bool
	store          domain.ApprovalStore // may be nil
	logger         *slog.Logger

	mu       sync.Mutex
	approved map[string]struct{}
	pending  map[string]*pendingApproval
	decided  map[string]domain.Approval
}

// NewApprovalGate creates a gate seeded from policy. store may be nil.
func NewApprovalGate(conversationID string, policy ApprovalPolicy, store domain.ApprovalStore, logger *slog.Logger) *ApprovalGate {
	g := &ApprovalGate{
		conversationID: conversationID,
		scope:          policy.Scope,
		deny:           make(map[string]bool, len(policy.AlwaysDeny)),
		store:          store,
		logger:         logger,
		approved:       make(map[string]struct{}),
		pending:        make(map[string]*pendingApproval),
		decided:        make(map[string]domain.Approval),
	}
	if g.scope == "" {
		g.scope = ScopeTool
	}
	for _, name := range policy.AlwaysDeny {
		g.deny[name] = true
	}
	// Config approvals are by tool name regardless of scope.
	for _, name := range policy.AlwaysApprove {
		g.approved[name] = struct{}{}
	}
	return g
}

// restore merges keys loaded from the approval store.
func (g *ApprovalGate) restore(keys []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, k := range keys {
		g.approved[k] = struct{}{}
	}
}

// Scope returns the keying scope of the gate.
func (g *ApprovalGate) Scope() ApprovalScope { return g.scope }

// IsPreApproved reports whether the user chose "always allow" for this call.
func (g *ApprovalGate) IsPreApproved(toolName string, args json.RawMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.approved[toolName]; ok {
		return true
	}
	_, ok := g.approved[g.scope.Key(toolName, args)]
	return ok
}

// IsDenied reports whether policy denies the tool outright.
func (g *ApprovalGate) IsDenied(toolName string) bool {
	return g.deny[toolName]
}

// RecordAlwaysApprove adds the call's key to the approved set and persists
// it. Recording an existing key is a no-op.
func (g *ApprovalGate) RecordAlwaysApprove(ctx context.Context, toolName string, args json.RawMessage) error {
	key := g.scope.Key(toolName, args)

	g.mu.Lock()
	_, exists := g.approved[key]
	g.approved[key] = struct{}{}
	g.mu.Unlock()

	if exists || g.store == nil {
		return nil
	}
	if err := g.store.AddApproval(ctx, g.conversationID, key); err != nil {
		return domain.WrapOp("ApprovalGate.RecordAlwaysApprove", err)
	}
	return nil
}

// Revoke removes every approval recorded for toolName. It reports whether
// anything was removed.
func (g *ApprovalGate) Revoke(ctx context.Context, toolName string) (bool, error) {
	g.mu.Lock()
	var removed []string
	for key := range g.approved {
		if key == toolName || strings.HasPrefix(key, toolName+argsKeySep) {
			delete(g.approved, key)
			removed = append(removed, key)
		}
	}
	g.mu.Unlock()

	if g.store != nil {
		for _, key := range removed {
			if err := g.store.RemoveApproval(ctx, g.conversationID, key); err != nil {
				return len(removed) > 0, domain.WrapOp("ApprovalGate.Revoke", err)
			}
		}
	}
	return len(removed) > 0, nil
}

// Approved returns the approved keys in sorted order.
func (g *ApprovalGate) Approved() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.approved))
	for k := range g.approved {
		out = append(out, k)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// Pending returns the invocations currently awaiting a decision.
func (g *ApprovalGate) Pending() []domain.ApprovalRequest {
	g.mu.Lock()
	out := make([]domain.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ToolCallID < out[j].ToolCallID })
	return out
}

// Await suspends until a decision for req.ToolCallID arrives through Decide
// or ctx is done. onPending runs once the request is registered, so a
// decision triggered by it cannot be lost. There is no timeout.
func (g *ApprovalGate) Await(ctx context.Context, req domain.ApprovalRequest, onPending func()) (domain.ApprovalDecision, error) {
	g.mu.Lock()
	if d, ok := g.decided[req.ToolCallID]; ok {
		g.mu.Unlock()
		return domain.ApprovalDecision{ToolCallID: req.ToolCallID, Decision: d}, nil
	}
	if _, ok := g.pending[req.ToolCallID]; ok {
		g.mu.Unlock()
		return domain.ApprovalDecision{}, domain.NewDomainError("ApprovalGate.Await", domain.ErrDuplicate, req.ToolCallID)
	}
	p := &pendingApproval{req: req, ch: make(chan domain.ApprovalDecision, 1)}
	g.pending[req.ToolCallID] = p
	g.mu.Unlock()

	if onPending != nil {
		onPending()
	}

	select {
	case d := <-p.ch:
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.pending[req.ToolCallID] == p {
			delete(g.pending, req.ToolCallID)
		}
		g.mu.Unlock()
		// A decision may have landed together with cancellation.
		select {
		case d := <-p.ch:
			return d, nil
		default:
		}
		return domain.ApprovalDecision{}, ctx.Err()
	}
}

// Decide resolves a pending invocation exactly once. On an always-allow
// decision the key is recorded before the waiting invocation resumes.
func (g *ApprovalGate) Decide(ctx context.Context, d domain.ApprovalDecision) error {
	if !d.Decision.Valid() {
		return domain.NewDomainError("ApprovalGate.Decide", domain.ErrInvalidInput,
			fmt.Sprintf("decision %q", d.Decision))
	}

	g.mu.Lock()
	if _, ok := g.decided[d.ToolCallID]; ok {
		g.mu.Unlock()
		return domain.NewDomainError("ApprovalGate.Decide", domain.ErrApprovalAlreadyDecided, d.ToolCallID)
	}
	p, ok := g.pending[d.ToolCallID]
	if !ok {
		g.mu.Unlock()
		return domain.NewDomainError("ApprovalGate.Decide", domain.ErrApprovalNotPending, d.ToolCallID)
	}
	delete(g.pending, d.ToolCallID)
	g.decided[d.ToolCallID] = d.Decision
	g.mu.Unlock()

	if d.Always && d.Decision == domain.ApprovalYes {
		if err := g.RecordAlwaysApprove(ctx, p.req.ToolName, p.req.Args); err != nil {
			g.logger.Warn("approval not persisted",
				"conversation_id", g.conversationID,
				"tool", p.req.ToolName,
				"error", err,
			)
		}
	}

	p.ch <- d
	return nil
}
