package streaming

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accproxy/accproxy/internal/auth"
	"github.com/accproxy/accproxy/internal/metering"
)

// State is the lifecycle position of one streaming response.
type State int

const (
	StateActive State = iota
	StatePaused
	StateTerminated
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Session tracks one in-flight streaming response. Detectors running
// off the request path hold a reference so they can kill the stream
// after the first chunks have already been forwarded.
type Session struct {
	ID        string
	Principal *auth.Principal
	Provider  string
	Model     string
	StartedAt time.Time

	mu          sync.Mutex
	state       State
	killReason  string
	lastChunkAt time.Time
	chunkCount  int

	killCh chan string
	acc    *metering.StreamAccumulator
}

func NewSession(principal *auth.Principal, provider, model string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Principal: principal,
		Provider:  provider,
		Model:     model,
		StartedAt: time.Now(),
		state:     StateActive,
		killCh:    make(chan string, 1),
		acc:       metering.NewStreamAccumulator(provider),
	}
}

// Kill requests termination. Safe to call from any goroutine and
// more than once; only the first reason is delivered.
func (s *Session) Kill(reason string) {
	select {
	case s.killCh <- reason:
	default:
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// KillReason returns the reason recorded at termination.
func (s *Session) KillReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killReason
}

// ChunkCount returns how many data frames were forwarded.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkCount
}

func (s *Session) noteChunk() {
	s.mu.Lock()
	s.chunkCount++
	s.lastChunkAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) transition(to State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Completed and Terminated are terminal.
	if s.state == StateCompleted || s.state == StateTerminated {
		return
	}
	s.state = to
	if to == StateTerminated {
		s.killReason = reason
	}
}

// Usage reports the accumulated token totals, with estimated true
// when the provider never sent authoritative counts.
func (s *Session) Usage() (metering.Usage, bool) {
	return s.acc.Usage()
}

// Content returns the assistant text accumulated so far.
func (s *Session) Content() string {
	return s.acc.Content()
}

// ContextMessages returns the original conversation extended with the
// partial assistant turn, so a caller can re-issue the request against
// a different model after a termination.
func (s *Session) ContextMessages(original []metering.ChatMessage) []metering.ChatMessage {
	out := make([]metering.ChatMessage, 0, len(original)+1)
	out = append(out, original...)
	if content := s.acc.Content(); content != "" {
		out = append(out, metering.ChatMessage{Role: "assistant", Content: content})
	}
	return out
}
