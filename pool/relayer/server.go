package relayer

import (
	"encoding/json"
	"net/http"
	"sync"

	log "github.com/colorfulnotion/shieldpool/log"
	"github.com/colorfulnotion/shieldpool/pool/ledger"
	"github.com/colorfulnotion/shieldpool/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Server is a relay in front of a ledger submitter, serving the same API
// HTTPEndpoint consumes.
type Server struct {
	name      string
	submitter ledger.Submitter

	mu        sync.Mutex
	status    HealthStatus
	down      bool
	failNext  int
	submitted int
}

func NewServer(name string, submitter ledger.Submitter) *Server {
	return &Server{name: name, submitter: submitter, status: HealthOK}
}

// SetStatus changes what /health reports.
func (s *Server) SetStatus(status HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetDown makes every request answer 503.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailNext makes the next n submissions answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Server) Submitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		s.handleHealth(w, r)
	case "/submit":
		s.handleSubmit(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	down, status := s.down, s.status
	s.mu.Unlock()
	if down {
		http.Error(w, "relay down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, healthResponse{Status: status})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	fail := s.down || s.failNext > 0
	if s.failNext > 0 {
		s.failNext--
	}
	s.mu.Unlock()
	if fail {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	var sub types.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid submission", http.StatusBadRequest)
		return
	}
	handle, err := s.submitter.Submit(r.Context(), &sub)
	if err != nil {
		log.Warn(log.Relayer, "Relay forward failed", "relay", s.name, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
	writeJSON(w, types.RelayReceipt{
		Signature:          crypto.Keccak256Hash([]byte(s.name), []byte(handle)).Hex(),
		ConfirmationHandle: handle,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
