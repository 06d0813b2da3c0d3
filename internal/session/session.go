// Package session holds the per-connection state of a live voice conversation
// and the process-wide registry that owns session lifecycle.
package session

import (
	"sync"
	"time"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TranscriptEntry is one immutable line of the conversation record.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one entry of the model context history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// State is the turn-taking state of a session. Exactly one turn may be in
// flight at a time; BeginTurn is the only entry point into a turn.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model_response"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Session is the mutable state of one live connection. All mutation goes
// through its methods; the zero value is not usable, construct via New.
type Session struct {
	ID         string
	ShopID     string
	ShopDomain string
	StartedAt  time.Time

	mu             sync.Mutex
	state          State
	conversationID string
	history        []Message
	transcript     []TranscriptEntry
	customerName   string
	customerEmail  string
	finalized      bool
}

// New creates a session for a freshly accepted connection.
func New(id, shopID, shopDomain string) *Session {
	return &Session{
		ID:         id,
		ShopID:     shopID,
		ShopDomain: shopDomain,
		StartedAt:  time.Now(),
	}
}

// State returns the current turn state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BeginTurn transitions idle → awaiting_model_response. It returns false when
// a turn is already in flight, in which case the caller must drop the input:
// the at-most-one-in-flight policy, not a queue.
func (s *Session) BeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.finalized {
		return false
	}
	s.state = StateAwaitingModel
	return true
}

// StartSpeaking transitions awaiting_model_response → speaking once the model
// reply has been delivered and synthesis begins.
func (s *Session) StartSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAwaitingModel {
		s.state = StateSpeaking
	}
}

// EndTurn resets to idle unconditionally. Callers defer it on every turn so a
// failed model call or synthesis error can never wedge the session.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
}

// AppendTranscript records one conversation line. Entries are append-only.
func (s *Session) AppendTranscript(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, TranscriptEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// Transcript returns a copy of the full conversation record.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// RecordExchange appends a completed user/assistant pair to the model history.
func (s *Session) RecordExchange(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		Message{Role: "user", Content: user},
		Message{Role: "assistant", Content: assistant},
	)
}

// HistoryWindow returns the trailing n history messages. Older messages stay
// in the transcript but fall out of the model context.
func (s *Session) HistoryWindow(n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// ConversationID returns the persisted-conversation ID, "" until assigned.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// BindConversation assigns the persisted-conversation ID once. Later calls
// with a different ID are ignored; the binding is stable for the session.
func (s *Session) BindConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
	}
}

// SetCustomer records the customer identity shared mid-conversation.
func (s *Session) SetCustomer(name, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerName = name
	s.customerEmail = email
}

// Customer returns the customer identity, both "" when never shared.
func (s *Session) Customer() (name, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerName, s.customerEmail
}

// Duration is the elapsed conversation time, used at finalization.
func (s *Session) Duration() time.Duration {
	return time.Since(s.StartedAt)
}

// MarkFinalized flips the finalized flag, returning false if it was already
// set. Duplicate close events finalize at most once.
func (s *Session) MarkFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return false
	}
	s.finalized = true
	return true
}
