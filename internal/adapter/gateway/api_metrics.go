package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		gauge(w, "toolrelay_conversations_open", "Number of open conversations.", int64(len(deps.Conversations.List())))
		counter(w, "toolrelay_conversations_total", "Total conversations opened.", metrics.ConversationsTotal.Load())
		gauge(w, "toolrelay_tools_registered", "Number of registered tools.", int64(len(deps.Tools.Schemas())))
		counter(w, "toolrelay_tool_calls_total", "Total settled tool invocations.", metrics.ToolCallsTotal.Load())
		counter(w, "toolrelay_tool_errors_total", "Total tool invocations settled with an error.", metrics.ToolErrorsTotal.Load())
		counter(w, "toolrelay_approvals_requested_total", "Total approval requests raised.", metrics.ApprovalsRequested.Load())
		counter(w, "toolrelay_approvals_decided_total", "Total approval decisions received.", metrics.ApprovalsDecided.Load())
		counter(w, "toolrelay_messages_persisted_total", "Total reconciled message writes.", metrics.MessagesPersisted.Load())
		counter(w, "toolrelay_stream_errors_total", "Total responses that ended in an error.", metrics.StreamErrors.Load())
		gauge(w, "toolrelay_gateway_clients", "Connected WebSocket clients.", int64(s.ClientCount()))

		if deps.BreakerStates != nil {
			states := deps.BreakerStates()
			names := make([]string, 0, len(states))
			for name := range states {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(w, "# HELP toolrelay_mcp_breaker_open MCP server circuit breaker open (1) or not (0).\n")
			fmt.Fprintf(w, "# TYPE toolrelay_mcp_breaker_open gauge\n")
			for _, name := range names {
				open := 0
				if states[name] == "open" {
					open = 1
				}
				fmt.Fprintf(w, "toolrelay_mcp_breaker_open{server=%q} %d\n", name, open)
			}
		}

		// Runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge(w, "toolrelay_uptime_seconds", "Seconds since the gateway started.", int64(time.Since(startTime).Seconds()))
		gauge(w, "go_goroutines", "Number of goroutines.", int64(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", int64(mem.Alloc))
		gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", int64(mem.Sys))
	}
}

func gauge(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}
