package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// clientMessage is the JSON envelope for every client→relay frame.
type clientMessage struct {
	Type     string `json:"type"`
	Audio    string `json:"audio,omitempty"`
	Message  string `json:"message,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Rating   int    `json:"rating,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

type connectionEstablished struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Greeting  string `json:"greeting"`
}

type transcriptUpdate struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type textResponse struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioResponse struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

type audioComplete struct {
	Type   string `json:"type"`
	Chunks int    `json:"chunks"`
	Bytes  int    `json:"bytes"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ack struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// sender serializes writes to one client connection. Turn goroutines, the
// transcript loop, and the read loop all write through it. It implements
// pipeline.Emitter.
type sender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sender) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		slog.Debug("write event", "error", err)
	}
}

func (s *sender) TextResponse(text string) {
	s.send(textResponse{Type: "text.response", Text: text})
}

func (s *sender) AudioChunk(b64, format string) {
	s.send(audioResponse{Type: "audio.response", Audio: b64, Format: format})
}

func (s *sender) AudioComplete(chunks, bytes int) {
	s.send(audioComplete{Type: "audio.complete", Chunks: chunks, Bytes: bytes})
}

func (s *sender) Error(message string) {
	s.send(errorMessage{Type: "error", Message: message})
}

func (s *sender) TranscriptUpdate(text string, isFinal bool) {
	s.send(transcriptUpdate{Type: "transcript.update", Text: text, IsFinal: isFinal})
}
