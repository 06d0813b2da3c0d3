package trace

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const maxIOLen = 500

type traceMsg struct {
	kind string // "session_start", "session_end", "turn"
	id   string
	shop string
	dur  int
	turn Turn
}

// Tracer writes trace data asynchronously via a buffered channel so turn
// latency never includes a database write. All methods are nil-safe.
type Tracer struct {
	store     *Store
	sessionID string
	ch        chan traceMsg
	done      chan struct{}
}

// NewTracer creates a tracer bound to a session. Must call Close when done.
func NewTracer(store *Store, sessionID string) *Tracer {
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	var err error
	switch m.kind {
	case "session_start":
		err = t.store.CreateSession(m.id, m.shop)
	case "session_end":
		err = t.store.EndSession(m.id, m.dur)
	case "turn":
		err = t.store.CreateTurn(m.turn)
	default:
		return
	}
	if err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

// StartSession records the session start.
func (t *Tracer) StartSession(shopDomain string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_start", id: t.sessionID, shop: shopDomain}
}

// EndSession records the session end and duration.
func (t *Tracer) EndSession(durationSeconds int) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "session_end", id: t.sessionID, dur: durationSeconds}
}

// RecordTurn records one completed conversation turn.
func (t *Tracer) RecordTurn(source string, startedAt time.Time, durationMs float64, transcript, reply string, llmMs, ttsMs float64, status string) {
	if t == nil {
		return
	}
	t.ch <- traceMsg{kind: "turn", turn: Turn{
		ID:         uuid.NewString(),
		SessionID:  t.sessionID,
		Source:     source,
		StartedAt:  startedAt,
		DurationMs: durationMs,
		Transcript: truncate(transcript, maxIOLen),
		Reply:      truncate(reply, maxIOLen),
		LLMMs:      llmMs,
		TTSMs:      ttsMs,
		Status:     status,
	}}
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
