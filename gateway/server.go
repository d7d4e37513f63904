package gateway

import (
	"encoding/json"
	"net/http"
)

// modelCatalog is the static list returned by GET /v1/models: three
// hard-coded identifiers owned by "google".
var modelCatalog = []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash"}

// Server wires the Pipeline, Pool, and Accountant into the gateway's four
// HTTP routes.
type Server struct {
	Pipeline   *Pipeline
	Pool       *Pool
	Accountant *Accountant
	Logger     Logger
}

// NewServer constructs a Server ready to be mounted on an http.ServeMux.
func NewServer(pipeline *Pipeline, pool *Pool, accountant *Accountant, logger Logger) *Server {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Server{Pipeline: pipeline, Pool: pool, Accountant: accountant, Logger: logger}
}

// Mux builds an http.ServeMux exposing the gateway's four routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) writeGatewayError(w http.ResponseWriter, gerr *GatewayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.Status)
	_ = json.NewEncoder(w).Encode(gerr.JSON())
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := NewRequestID()
	w.Header().Set("X-Request-Id", requestID)

	ctx := r.Context()

	var req ChatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.writeGatewayError(w, NewGatewayError(http.StatusBadRequest, "invalid request body: %v", err))
		return
	}

	s.Logger.Info(ctx, "chat completion request", F("request_id", requestID), F("model", req.Model), F("stream", req.Stream))

	if req.Stream {
		s.Pipeline.Stream(ctx, w, &req)
		return
	}

	resp, gerr := s.Pipeline.Unary(ctx, &req)
	if gerr != nil {
		s.writeGatewayError(w, gerr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	entries := make([]modelEntry, 0, len(modelCatalog))
	for _, id := range modelCatalog {
		entries = append(entries, modelEntry{ID: id, Object: "model", OwnedBy: "google"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": entries})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tokens":      s.Accountant.Summary(),
		"credentials": s.Pool.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
