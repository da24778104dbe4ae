package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"toolrelay/internal/domain"
	"toolrelay/internal/infra/tracer"
)

// ProcessorDeps holds the collaborators of a Processor.
type ProcessorDeps struct {
	Tools      domain.ToolRegistry
	Reconciler *Reconciler     // nil disables persistence
	Bus        domain.EventBus // nil disables event publishing
	Logger     *slog.Logger
}

// Processor drives the tool invocations of the most recent message in a
// conversation to settlement, streams their results and reconciles the
// updated message with the store.
type Processor struct {
	tools      domain.ToolRegistry
	reconciler *Reconciler
	bus        domain.EventBus
	logger     *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(deps ProcessorDeps) *Processor {
	return &Processor{
		tools:      deps.Tools,
		reconciler: deps.Reconciler,
		bus:        deps.Bus,
		logger:     deps.Logger,
	}
}

// Process settles every actionable tool invocation in the last message of
// history and returns the history with that message superseded. Invocations
// run concurrently and the call returns once all of them settled; part
// order is preserved. A history whose last message has no tool invocations
// is returned unchanged.
//
// If ctx is cancelled, Process returns ctx.Err() without reconciling.
// Executions already running are abandoned rather than interrupted, and
// their late results are not written to w.
func (p *Processor) Process(ctx context.Context, conv *Conversation, history []domain.Message, w domain.ChunkWriter) ([]domain.Message, error) {
	last, ok := domain.LastMessage(history)
	if !ok || !last.HasToolInvocations() {
		return history, nil
	}
	ctx = domain.ContextWithConversationID(ctx, conv.ID)

	ctx, span := tracer.StartSpan(ctx, "processor.process")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("conversation.id", conv.ID),
		tracer.StringAttr("message.id", last.ID),
	)

	parts := make([]domain.Part, len(last.Parts))
	var wg sync.WaitGroup
	for i, part := range last.Parts {
		if part.Type != domain.PartToolInvocation || part.ToolInvocation == nil {
			parts[i] = part
			continue
		}
		wg.Add(1)
		go func(idx int, pt domain.Part) {
			defer wg.Done()
			parts[idx] = p.runInvocation(ctx, conv, history, pt, w)
		}(i, part)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Info("processing abandoned", "conversation_id", conv.ID, "message_id", last.ID)
		tracer.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}

	next := last.WithParts(parts)
	out := make([]domain.Message, len(history))
	copy(out, history)
	out[len(out)-1] = next

	if p.reconciler != nil {
		if _, err := p.reconciler.Reconcile(ctx, last, next); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
	}
	tracer.SetOK(span)
	return out, nil
}

// actionable reports whether the processor should drive inv: fresh calls,
// and calls of gated tools carrying a client-recorded approval decision.
// Results of ungated or unknown tools are final even when they read "yes".
func (p *Processor) actionable(inv domain.ToolInvocation) bool {
	if inv.State == domain.StateCall {
		return true
	}
	if _, recorded := inv.RecordedDecision(); !recorded {
		return false
	}
	tool, err := p.tools.Lookup(inv.ToolName)
	return err == nil && tool.Gated()
}

func (p *Processor) runInvocation(ctx context.Context, conv *Conversation, history []domain.Message, part domain.Part, w domain.ChunkWriter) domain.Part {
	call := *part.ToolInvocation
	if !p.actionable(call) {
		return part
	}

	entry, owner := conv.ledger.claim(call.ToolCallID)
	if !owner {
		settled, err := entry.wait(ctx, part)
		if err == nil {
			p.logger.Debug("tool call already handled", "tool_call_id", call.ToolCallID)
		}
		return settled
	}

	inv := NewInvocation(call)
	defer func() {
		conv.ledger.release(call.ToolCallID, entry, inv.Part(), inv.Phase() == domain.PhaseSettled)
	}()

	ctx, span := tracer.StartToolSpan(ctx, call.ToolName, call.ToolCallID)
	defer span.End()

	result, err := p.drive(ctx, conv, history, inv, w)
	if err != nil {
		// Cancelled while pending: the call stays as the model produced it.
		tracer.RecordError(span, err)
		return part
	}

	span.SetAttributes(tracer.BoolAttr("tool.is_error", result.IsError))
	if !result.IsError {
		tracer.SetOK(span)
	}
	p.publishToolEvent(ctx, domain.EventToolCallCompleted, conv.ID, call, domain.PhaseSettled, result.IsError)
	p.write(ctx, w, domain.ToolResultChunk(call.ToolCallID, result.Value()))
	return inv.Part()
}

// drive walks inv from requested to settled and returns the settled result.
// It only fails when ctx ends while the call awaits approval.
func (p *Processor) drive(ctx context.Context, conv *Conversation, history []domain.Message, inv *Invocation, w domain.ChunkWriter) (*domain.ToolResult, error) {
	call := inv.Call()

	tool, err := p.tools.Lookup(call.ToolName)
	if err != nil {
		p.logger.Warn("tool not found", "tool", call.ToolName, "tool_call_id", call.ToolCallID)
		return p.settle(inv, &domain.ToolResult{Content: domain.NoExecuteResult, IsError: true})
	}

	if err := tool.Validate(call.Args); err != nil {
		p.logger.Info("tool arguments rejected", "tool", call.ToolName, "tool_call_id", call.ToolCallID, "error", err)
		return p.settle(inv, &domain.ToolResult{
			Content: fmt.Sprintf("Error: invalid arguments for %s: %v", call.ToolName, err),
			IsError: true,
		})
	}

	approved, err := p.gate(ctx, conv, tool, inv, w)
	if err != nil {
		return nil, err
	}
	if !approved {
		return p.settle(inv, &domain.ToolResult{Content: domain.DeniedResult, IsError: true})
	}

	if err := inv.Advance(domain.PhaseExecuting); err != nil {
		return nil, err
	}
	p.publishToolEvent(ctx, domain.EventToolCallStarted, conv.ID, call, domain.PhaseExecuting, false)

	result := p.execute(ctx, tool, call, domain.ExecContext{
		ConversationID: conv.ID,
		ToolCallID:     call.ToolCallID,
		Messages:       history,
		Stream:         responseBound(ctx, w),
	})
	return p.settle(inv, result)
}

func (p *Processor) settle(inv *Invocation, result *domain.ToolResult) (*domain.ToolResult, error) {
	if err := inv.Settle(result); err != nil {
		return nil, err
	}
	return result, nil
}

// gate applies the approval policy and advances inv to approved or denied.
func (p *Processor) gate(ctx context.Context, conv *Conversation, tool domain.Capability, inv *Invocation, w domain.ChunkWriter) (bool, error) {
	call := inv.Call()

	verdict := func(ok bool) (bool, error) {
		to := domain.PhaseDenied
		if ok {
			to = domain.PhaseApproved
		}
		if err := inv.Advance(to); err != nil {
			return false, err
		}
		return ok, nil
	}

	if !tool.Gated() {
		return verdict(true)
	}
	if conv.Gate.IsDenied(call.ToolName) {
		return verdict(false)
	}
	if d, ok := call.RecordedDecision(); ok {
		return verdict(d == domain.ApprovalYes)
	}
	if conv.Gate.IsPreApproved(call.ToolName, call.Args) {
		return verdict(true)
	}

	if err := inv.Advance(domain.PhasePendingApproval); err != nil {
		return false, err
	}
	req := domain.ApprovalRequest{
		ConversationID: conv.ID,
		ToolCallID:     call.ToolCallID,
		ToolName:       call.ToolName,
		Args:           call.Args,
	}
	decision, err := conv.Gate.Await(ctx, req, func() {
		p.logger.Info("tool call awaiting approval", "tool", call.ToolName, "tool_call_id", call.ToolCallID)
		p.write(ctx, w, domain.ApprovalRequestChunk(req))
		p.publishApprovalRequest(ctx, req)
	})
	if err != nil {
		return false, err
	}
	return verdict(decision.Decision == domain.ApprovalYes)
}

// execute runs the tool once. Errors and panics become error results. The
// tool runs on a context that outlives response cancellation.
func (p *Processor) execute(ctx context.Context, tool domain.Capability, call domain.ToolInvocation, ec domain.ExecContext) (result *domain.ToolResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool panicked", "tool", call.ToolName, "tool_call_id", call.ToolCallID, "panic", r)
			result = &domain.ToolResult{
				Content: fmt.Sprintf("Error: tool %s failed: %v", call.ToolName, r),
				IsError: true,
			}
		}
		p.logger.Debug("tool executed",
			"tool", call.ToolName,
			"tool_call_id", call.ToolCallID,
			"duration", time.Since(start),
		)
	}()

	out, err := tool.Execute(context.WithoutCancel(ctx), call.Args, ec)
	if err != nil {
		p.logger.Warn("tool execution failed", "tool", call.ToolName, "tool_call_id", call.ToolCallID, "error", err)
		return &domain.ToolResult{Content: "Error: " + err.Error(), IsError: true}
	}
	if out == nil {
		return &domain.ToolResult{}
	}
	return out
}

// boundWriter ties tool-side writes to the response context. Tools run on a
// context that is never cancelled, so their own ctx cannot stop late deltas.
type boundWriter struct {
	ctx context.Context
	w   domain.ChunkWriter
}

func responseBound(ctx context.Context, w domain.ChunkWriter) domain.ChunkWriter {
	if w == nil {
		return nil
	}
	return &boundWriter{ctx: ctx, w: w}
}

func (b *boundWriter) Write(_ context.Context, chunk domain.StreamChunk) error {
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStreamClosed, err)
	}
	return b.w.Write(b.ctx, chunk)
}

func (p *Processor) write(ctx context.Context, w domain.ChunkWriter, chunk domain.StreamChunk) {
	if w == nil {
		return
	}
	if err := w.Write(ctx, chunk); err != nil {
		if errors.Is(err, domain.ErrStreamClosed) || errors.Is(err, context.Canceled) {
			p.logger.Debug("chunk dropped after stream end", "type", string(chunk.Type), "tool_call_id", chunk.ToolCallID)
			return
		}
		p.logger.Warn("chunk write failed", "type", string(chunk.Type), "error", err)
	}
}

func (p *Processor) publishToolEvent(ctx context.Context, typ domain.EventType, conversationID string, call domain.ToolInvocation, phase domain.Phase, isError bool) {
	if p.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.ToolCallEventPayload{
		ToolCallID: call.ToolCallID,
		ToolName:   call.ToolName,
		Phase:      phase,
		IsError:    isError,
	})
	p.bus.Publish(ctx, domain.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Payload:        payload,
	})
}

func (p *Processor) publishApprovalRequest(ctx context.Context, req domain.ApprovalRequest) {
	if p.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.ApprovalEventPayload{
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Args:       req.Args,
	})
	p.bus.Publish(ctx, domain.Event{
		Type:           domain.EventToolApprovalReq,
		Timestamp:      time.Now(),
		ConversationID: req.ConversationID,
		Payload:        payload,
	})
}
