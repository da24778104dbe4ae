package gateway

import (
	"encoding/json"
	"net/http"

	"toolrelay/internal/adapter/stream"
	"toolrelay/internal/domain"
)

const maxProcessBody = 4 << 20

// processHandler returns an HTTP handler for POST /api/v1/process. The
// response body is the data-stream protocol, flushed chunk by chunk.
func processHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "api.process"
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req processRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProcessBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, invalidPayload(op, err.Error()))
			return
		}
		if err := req.prepare(op); err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}

		codec := stream.DataStreamCodec{}
		w.Header().Set("Content-Type", codec.ContentType())
		w.Header().Set("X-Vercel-AI-Data-Stream", "v1")
		w.Header().Set("X-Conversation-Id", req.ConversationID)
		w.WriteHeader(http.StatusOK)

		sw := stream.NewWriter(codec, stream.NewIOTransport(w), deps.Logger)
		defer sw.Close()

		if _, err := processConversation(r.Context(), deps, req, sw); err != nil {
			deps.Logger.Warn("process request failed", "conversation_id", req.ConversationID, "error", err)
		}
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(domain.ErrorCodeOf(err)),
	})
}
