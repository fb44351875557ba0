package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"

	log "github.com/colorfulnotion/shieldpool/log"
)

// HandlerFunc serves one method. Returning *Error selects the error code.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server routes JSON-RPC requests posted to any path.
type Server struct {
	module string

	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

func NewServer(module string) *Server {
	return &Server{module: module, methods: make(map[string]HandlerFunc)}
}

func (s *Server) Register(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// Methods lists the registered method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.methods))
	for m := range s.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: "invalid JSON-RPC request"}})
		return
	}

	s.mu.RLock()
	fn, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeMethodNotFound, Message: "unknown method: " + req.Method}})
		return
	}

	result, err := fn(r.Context(), req.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: CodeInternal, Message: err.Error()}
		}
		log.Debug(s.module, "RPC method failed", "method", req.Method, "code", rpcErr.Code, "err", rpcErr.Message)
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeInternal, Message: err.Error()}})
		return
	}
	writeResponse(w, Response{JSONRPC: "2.0", ID: req.ID, Result: raw})
}

func writeResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// DecodeParams unmarshals positional params into dst, one pointer per slot.
func DecodeParams(params json.RawMessage, dst ...interface{}) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "params must be an array"}
	}
	if len(raw) != len(dst) {
		return &Error{Code: CodeInvalidParams, Message: "wrong number of params"}
	}
	for i := range dst {
		if err := json.Unmarshal(raw[i], dst[i]); err != nil {
			return &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	return nil
}
