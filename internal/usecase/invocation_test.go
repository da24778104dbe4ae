package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolrelay/internal/domain"
)

func TestInvocation_Lifecycle(t *testing.T) {
	tests := []struct {
		name  string
		steps []domain.Phase
	}{
		{"pre-approved", []domain.Phase{domain.PhaseApproved, domain.PhaseExecuting, domain.PhaseSettled}},
		{"prompted and approved", []domain.Phase{domain.PhasePendingApproval, domain.PhaseApproved, domain.PhaseExecuting, domain.PhaseSettled}},
		{"prompted and denied", []domain.Phase{domain.PhasePendingApproval, domain.PhaseDenied, domain.PhaseSettled}},
		{"policy denied", []domain.Phase{domain.PhaseDenied, domain.PhaseSettled}},
		{"rejected before gating", []domain.Phase{domain.PhaseSettled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewInvocation(domain.ToolInvocation{ToolCallID: "c1"})
			for _, to := range tt.steps {
				require.NoError(t, inv.Advance(to))
			}
			assert.Equal(t, append([]domain.Phase{domain.PhaseRequested}, tt.steps...), inv.Trail())
			assert.True(t, inv.Phase().Terminal())
		})
	}
}

func TestInvocation_RejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []domain.Phase
		to    domain.Phase
	}{
		{"execute without approval", nil, domain.PhaseExecuting},
		{"denied then executing", []domain.Phase{domain.PhaseDenied}, domain.PhaseExecuting},
		{"pending straight to settled", []domain.Phase{domain.PhasePendingApproval}, domain.PhaseSettled},
		{"settled twice", []domain.Phase{domain.PhaseSettled}, domain.PhaseSettled},
		{"approved skips execution", []domain.Phase{domain.PhaseApproved}, domain.PhaseSettled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewInvocation(domain.ToolInvocation{ToolCallID: "c1"})
			for _, p := range tt.setup {
				require.NoError(t, inv.Advance(p))
			}
			err := inv.Advance(tt.to)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}
}

func TestInvocation_Part(t *testing.T) {
	call := domain.ToolInvocation{
		ToolCallID: "c1",
		ToolName:   "calculator",
		Args:       json.RawMessage(`{"a":1}`),
		State:      domain.StateCall,
	}
	inv := NewInvocation(call)

	before := inv.Part()
	assert.Equal(t, domain.StateCall, before.ToolInvocation.State)
	assert.Nil(t, before.ToolInvocation.Result)

	require.NoError(t, inv.Advance(domain.PhaseApproved))
	require.NoError(t, inv.Advance(domain.PhaseExecuting))
	require.NoError(t, inv.Settle(&domain.ToolResult{Content: "3", Data: json.RawMessage(`3`)}))

	after := inv.Part()
	assert.Equal(t, domain.StateResult, after.ToolInvocation.State)
	assert.JSONEq(t, `3`, string(after.ToolInvocation.Result))
	assert.JSONEq(t, `{"a":1}`, string(after.ToolInvocation.Args))
	assert.Equal(t, "3", inv.Result().Content)
}

func TestInvocationLedger_ClaimOnce(t *testing.T) {
	l := newInvocationLedger()
	e, owner := l.claim("c1")
	require.True(t, owner)

	_, owner = l.claim("c1")
	assert.False(t, owner)

	settled := domain.ToolInvocationPart(domain.ToolInvocation{ToolCallID: "c1", State: domain.StateResult})
	l.release("c1", e, settled, true)

	e2, owner := l.claim("c1")
	assert.False(t, owner)
	got, err := e2.wait(context.Background(), domain.Part{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateResult, got.ToolInvocation.State)
	assert.Equal(t, 1, l.settledCount())
}

func TestInvocationLedger_UnsettledReleaseAllowsRetry(t *testing.T) {
	l := newInvocationLedger()
	e, _ := l.claim("c1")

	fallback := callPart("c1", "roll_dice", `{}`)
	waited := make(chan domain.Part, 1)
	go func() {
		p, _ := e.wait(context.Background(), fallback)
		waited <- p
	}()

	l.release("c1", e, fallback, false)
	select {
	case p := <-waited:
		assert.Equal(t, domain.StateCall, p.ToolInvocation.State)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	_, owner := l.claim("c1")
	assert.True(t, owner, "an unsettled call can be claimed again")
	assert.Equal(t, 0, l.settledCount())
}

func TestLedgerEntry_WaitCancelled(t *testing.T) {
	l := newInvocationLedger()
	e, _ := l.claim("c1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.wait(ctx, domain.Part{})
	assert.ErrorIs(t, err, context.Canceled)
}
