package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"toolrelay/internal/adapter/stream"
	"toolrelay/internal/domain"
	"toolrelay/internal/usecase"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Conversations *usecase.ConversationManager
	Processor     *usecase.Processor
	Store         domain.ConversationStore // nil disables history persistence
	Tools         domain.ToolRegistry
	Bus           domain.EventBus // can be nil
	Logger        *slog.Logger

	Version       string
	StoreDriver   string
	BreakerStates func() map[string]string // can be nil (no MCP servers)
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("conversation.process", conversationProcessHandler(deps))
	s.RegisterHandler("conversation.abort", conversationAbortHandler(deps))
	s.RegisterHandler("conversation.messages", conversationMessagesHandler(deps))
	s.RegisterHandler("conversation.list", conversationListHandler(deps))
	s.RegisterHandler("approval.decide", approvalDecideHandler(deps))
	s.RegisterHandler("approval.list", approvalListHandler(deps))
	s.RegisterHandler("approval.revoke", approvalRevokeHandler(deps))
	s.RegisterHandler("tool.list", toolListHandler(deps))
}

func invalidPayload(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrRPCInvalidPayload, detail)
}

func decode(op string, payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return invalidPayload(op, "empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return invalidPayload(op, err.Error())
	}
	return nil
}

// --- conversation ---

type processRequest struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
}

type processResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
	Aborted        bool             `json:"aborted,omitempty"`
}

// prepare validates req, assigns a conversation ID when the client sent
// none and stamps it on every message.
func (req *processRequest) prepare(op string) error {
	if len(req.Messages) == 0 {
		return invalidPayload(op, "messages required")
	}
	if req.ConversationID == "" {
		req.ConversationID = usecase.NewConversationID()
	}
	msgs := make([]domain.Message, len(req.Messages))
	for i, m := range req.Messages {
		if m.ID == "" {
			return invalidPayload(op, fmt.Sprintf("message %d has no id", i))
		}
		if m.ConversationID == "" {
			m.ConversationID = req.ConversationID
		}
		msgs[i] = m
	}
	req.Messages = msgs
	return nil
}

// processConversation saves the history, settles the tool invocations of
// its last message onto w and finishes the stream. An abort through
// conversation.abort is reported in the response, not as an error.
func processConversation(ctx context.Context, deps HandlerDeps, req processRequest, w domain.ChunkWriter) (processResponse, error) {
	if deps.Store != nil {
		if err := deps.Store.SaveMessages(ctx, req.Messages); err != nil {
			return processResponse{}, domain.WrapOp("gateway.process",
				fmt.Errorf("%w: save history: %w", domain.ErrPersistence, err))
		}
	}

	conv, err := deps.Conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return processResponse{}, err
	}
	respCtx, end := conv.BeginResponse(ctx)
	defer end()

	publish(ctx, deps.Bus, domain.EventStreamStarted, req.ConversationID, nil)
	out, err := deps.Processor.Process(respCtx, conv, req.Messages, w)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			deps.Logger.Info("response aborted", "conversation_id", req.ConversationID)
			return processResponse{ConversationID: req.ConversationID, Messages: req.Messages, Aborted: true}, nil
		}
		publish(ctx, deps.Bus, domain.EventStreamError, req.ConversationID, map[string]string{"error": err.Error()})
		_ = w.Write(ctx, domain.StreamChunk{Type: domain.ChunkFinish, Content: "error"})
		return processResponse{}, err
	}

	if err := w.Write(respCtx, domain.StreamChunk{Type: domain.ChunkFinish}); err != nil {
		deps.Logger.Debug("finish chunk not delivered", "conversation_id", req.ConversationID, "error", err)
	}
	publish(ctx, deps.Bus, domain.EventStreamCompleted, req.ConversationID, nil)
	return processResponse{ConversationID: req.ConversationID, Messages: out}, nil
}

func conversationProcessHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		const op = "conversation.process"
		var req processRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		if err := req.prepare(op); err != nil {
			return nil, err
		}

		transport := stream.TransportFunc(func(context.Context, []byte) error { return nil })
		if c, ok := callerFromContext(ctx); ok {
			transport = func(ctx context.Context, frame []byte) error {
				body, err := json.Marshal(StreamChunkEvent{
					RequestID:      c.requestID,
					ConversationID: req.ConversationID,
					Chunk:          bytes.TrimSpace(frame),
				})
				if err != nil {
					return err
				}
				return c.emit(ctx, EventStreamChunk, body)
			}
		}
		w := stream.NewWriter(stream.NDJSONCodec{}, transport, deps.Logger)
		defer w.Close()

		resp, err := processConversation(ctx, deps, req, w)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (r conversationRequest) validate(op string) error {
	if r.ConversationID == "" {
		return invalidPayload(op, "conversation_id required")
	}
	return nil
}

func conversationAbortHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		const op = "conversation.abort"
		var req conversationRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		if err := req.validate(op); err != nil {
			return nil, err
		}

		conv, err := deps.Conversations.Lookup(req.ConversationID)
		if err != nil {
			return nil, err
		}
		aborted := conv.Abort()
		if aborted {
			publish(ctx, deps.Bus, domain.EventConversationAborted, req.ConversationID, nil)
		}
		return json.Marshal(map[string]bool{"aborted": aborted})
	}
}

func conversationMessagesHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		const op = "conversation.messages"
		var req conversationRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		if err := req.validate(op); err != nil {
			return nil, err
		}
		if deps.Store == nil {
			return json.Marshal([]domain.Message{})
		}

		msgs, err := deps.Store.GetMessagesByConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return json.Marshal(msgs)
	}
}

func conversationListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Conversations.List())
	}
}

// --- approvals ---

type approvalDecideRequest struct {
	ConversationID string          `json:"conversation_id"`
	ToolCallID     string          `json:"tool_call_id"`
	Decision       domain.Approval `json:"decision"`
	Always         bool            `json:"always"`
}

func approvalDecideHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		const op = "approval.decide"
		var req approvalDecideRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		if req.ConversationID == "" || req.ToolCallID == "" {
			return nil, invalidPayload(op, "conversation_id and tool_call_id required")
		}

		err := deps.Conversations.Decide(ctx, req.ConversationID, domain.ApprovalDecision{
			ToolCallID: req.ToolCallID,
			Decision:   req.Decision,
			Always:     req.Always,
		})
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("approval decided",
			"conversation_id", req.ConversationID,
			"tool_call_id", req.ToolCallID,
			"decision", string(req.Decision),
			"always", req.Always,
			"client", client.Name,
		)
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type approvalListResponse struct {
	Scope    string                   `json:"scope"`
	Approved []string                 `json:"approved"`
	Pending  []domain.ApprovalRequest `json:"pending"`
}

func approvalListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		const op = "approval.list"
		var req conversationRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		if err := req.validate(op); err != nil {
			return nil, err
		}

		conv, err := deps.Conversations.Get(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(approvalListResponse{
			Scope:    string(conv.Gate.Scope()),
			Approved: conv.Gate.Approved(),
			Pending:  conv.Gate.Pending(),
		})
	}
}

type approvalRevokeRequest struct {
	ConversationID string `json:"conversation_id"`
	ToolName       string `json:"tool_name"`
}

func approvalRevokeHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		const op = "approval.revoke"
		var req approvalRevokeRequest
		if err := decode(op, payload, &req); err != nil {
			return nil, err
		}
		if req.ConversationID == "" || req.ToolName == "" {
			return nil, invalidPayload(op, "conversation_id and tool_name required")
		}

		removed, err := deps.Conversations.Revoke(ctx, req.ConversationID, req.ToolName)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"removed": removed})
	}
}

// --- tools ---

func toolListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Tools.Schemas())
	}
}

func publish(ctx context.Context, bus domain.EventBus, typ domain.EventType, conversationID string, payload any) {
	if bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	bus.Publish(ctx, domain.Event{
		Type:           typ,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		Payload:        raw,
	})
}
