package usecase

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"toolrelay/internal/domain"
)

var transitions = map[domain.Phase][]domain.Phase{
	domain.PhaseRequested:       {domain.PhasePendingApproval, domain.PhaseApproved, domain.PhaseDenied, domain.PhaseSettled},
	domain.PhasePendingApproval: {domain.PhaseApproved, domain.PhaseDenied},
	domain.PhaseApproved:        {domain.PhaseExecuting},
	domain.PhaseDenied:          {domain.PhaseSettled},
	domain.PhaseExecuting:       {domain.PhaseSettled},
}

// Invocation tracks one tool call through its lifecycle. It is driven by a
// single goroutine and is not safe for concurrent use.
type Invocation struct {
	call   domain.ToolInvocation
	phase  domain.Phase
	trail  []domain.Phase
	result *domain.ToolResult
}

// NewInvocation starts a call in the requested phase.
func NewInvocation(call domain.ToolInvocation) *Invocation {
	return &Invocation{
		call:  call,
		phase: domain.PhaseRequested,
		trail: []domain.Phase{domain.PhaseRequested},
	}
}

// Call returns the originating call.
func (inv *Invocation) Call() domain.ToolInvocation { return inv.call }

// Phase returns the current phase.
func (inv *Invocation) Phase() domain.Phase { return inv.phase }

// Trail returns every phase visited, in order.
func (inv *Invocation) Trail() []domain.Phase { return slices.Clone(inv.trail) }

// Result returns the attached result once settled.
func (inv *Invocation) Result() *domain.ToolResult { return inv.result }

// Advance moves to the next phase, rejecting transitions the lifecycle
// does not allow.
func (inv *Invocation) Advance(to domain.Phase) error {
	if !slices.Contains(transitions[inv.phase], to) {
		return domain.NewDomainError("Invocation.Advance", domain.ErrInvalidTransition,
			fmt.Sprintf("%s: %s -> %s", inv.call.ToolCallID, inv.phase, to))
	}
	inv.phase = to
	inv.trail = append(inv.trail, to)
	return nil
}

// Settle attaches the final result.
func (inv *Invocation) Settle(result *domain.ToolResult) error {
	if err := inv.Advance(domain.PhaseSettled); err != nil {
		return err
	}
	inv.result = result
	return nil
}

// Part renders the invocation as a message part. Before settlement the
// original call is returned unchanged.
func (inv *Invocation) Part() domain.Part {
	out := inv.call
	if inv.phase == domain.PhaseSettled {
		out.State = domain.StateResult
		out.Result = inv.result.Value()
	}
	return domain.ToolInvocationPart(out)
}

// ledgerEntry records the outcome of a claimed tool call.
type ledgerEntry struct {
	done    chan struct{}
	part    domain.Part
	settled bool
}

// invocationLedger guarantees at most one execution per toolCallId within a
// conversation. The first claimant runs the call; later claimants receive
// its settled part.
type invocationLedger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

func newInvocationLedger() *invocationLedger {
	return &invocationLedger{entries: make(map[string]*ledgerEntry)}
}

// claim returns the entry for id and whether the caller owns it.
func (l *invocationLedger) claim(id string) (*ledgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return e, false
	}
	e := &ledgerEntry{done: make(chan struct{})}
	l.entries[id] = e
	return e, true
}

// release publishes the owner's outcome. An unsettled call is forgotten so a
// later replay can run it.
func (l *invocationLedger) release(id string, e *ledgerEntry, part domain.Part, settled bool) {
	l.mu.Lock()
	e.part = part
	e.settled = settled
	if !settled {
		delete(l.entries, id)
	}
	l.mu.Unlock()
	close(e.done)
}

// wait blocks until the owner releases the entry and returns its settled
// part, or fallback when the owner gave up.
func (e *ledgerEntry) wait(ctx context.Context, fallback domain.Part) (domain.Part, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return fallback, ctx.Err()
	}
	if !e.settled {
		return fallback, nil
	}
	return e.part, nil
}

// inFlight reports how many claimed calls have not been released yet.
func (l *invocationLedger) inFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		select {
		case <-e.done:
		default:
			n++
		}
	}
	return n
}

// settledCount reports how many calls the ledger holds as settled.
func (l *invocationLedger) settledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		select {
		case <-e.done:
			if e.settled {
				n++
			}
		default:
		}
	}
	return n
}
