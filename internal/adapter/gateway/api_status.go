package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"toolrelay/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service       ServiceStatus      `json:"service"`
	Conversations ConversationStatus `json:"conversations"`
	Tools         ToolStatus         `json:"tools"`
	Approvals     ApprovalStatus     `json:"approvals"`
	Store         StoreStatus        `json:"store"`
	Gateway       GatewayStatus      `json:"gateway"`
	MCPBreakers   map[string]string  `json:"mcp_breakers,omitempty"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ConversationStatus holds conversation counts.
type ConversationStatus struct {
	Open  int   `json:"open"`
	Total int64 `json:"total"`
}

// ToolStatus holds tool usage stats.
type ToolStatus struct {
	Registered  int   `json:"registered"`
	CallsTotal  int64 `json:"calls_total"`
	ErrorsTotal int64 `json:"errors_total"`
}

// ApprovalStatus holds approval gate counters.
type ApprovalStatus struct {
	Requested int64 `json:"requested"`
	Decided   int64 `json:"decided"`
}

// StoreStatus holds conversation store info.
type StoreStatus struct {
	Driver    string `json:"driver"`
	Persisted int64  `json:"persisted"`
}

// GatewayStatus holds connection counts.
type GatewayStatus struct {
	Clients int `json:"clients"`
	Methods int `json:"methods"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	ToolCallsTotal     atomic.Int64
	ToolErrorsTotal    atomic.Int64
	ApprovalsRequested atomic.Int64
	ApprovalsDecided   atomic.Int64
	MessagesPersisted  atomic.Int64
	ConversationsTotal atomic.Int64
	StreamErrors       atomic.Int64
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server
// and subscribes the metric counters to the bus.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventToolCallCompleted, func(_ context.Context, e domain.Event) {
			metrics.ToolCallsTotal.Add(1)
			var p domain.ToolCallEventPayload
			if json.Unmarshal(e.Payload, &p) == nil && p.IsError {
				metrics.ToolErrorsTotal.Add(1)
			}
		})
		deps.Bus.Subscribe(domain.EventToolApprovalReq, func(_ context.Context, _ domain.Event) {
			metrics.ApprovalsRequested.Add(1)
		})
		deps.Bus.Subscribe(domain.EventToolApprovalResp, func(_ context.Context, _ domain.Event) {
			metrics.ApprovalsDecided.Add(1)
		})
		deps.Bus.Subscribe(domain.EventMessagePersisted, func(_ context.Context, _ domain.Event) {
			metrics.MessagesPersisted.Add(1)
		})
		deps.Bus.Subscribe(domain.EventConversationCreated, func(_ context.Context, _ domain.Event) {
			metrics.ConversationsTotal.Add(1)
		})
		deps.Bus.Subscribe(domain.EventStreamError, func(_ context.Context, _ domain.Event) {
			metrics.StreamErrors.Add(1)
		})
	}

	s.RegisterHTTPRoute("/api/v1/status", s.Authenticated(statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/api/v1/process", s.Authenticated(processHandler(deps)))
	s.RegisterHTTPRoute("/metrics", s.Authenticated(metricsHandler(s, deps, startTime, metrics)))

	return metrics
}

// Authenticated rejects requests without a valid token, read from the
// token query parameter or a Bearer Authorization header.
func (s *Server) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if _, err := s.auth.Authenticate(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "toolrelay",
				Version:       deps.Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Conversations: ConversationStatus{
				Open:  len(deps.Conversations.List()),
				Total: metrics.ConversationsTotal.Load(),
			},
			Tools: ToolStatus{
				Registered:  len(deps.Tools.Schemas()),
				CallsTotal:  metrics.ToolCallsTotal.Load(),
				ErrorsTotal: metrics.ToolErrorsTotal.Load(),
			},
			Approvals: ApprovalStatus{
				Requested: metrics.ApprovalsRequested.Load(),
				Decided:   metrics.ApprovalsDecided.Load(),
			},
			Store: StoreStatus{
				Driver:    deps.StoreDriver,
				Persisted: metrics.MessagesPersisted.Load(),
			},
			Gateway: GatewayStatus{
				Clients: s.ClientCount(),
				Methods: s.Methods(),
			},
		}
		if deps.BreakerStates != nil {
			resp.MCPBreakers = deps.BreakerStates()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
