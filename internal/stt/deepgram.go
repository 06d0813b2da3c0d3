// Package stt maintains one live streaming connection per session to the
// Deepgram speech-to-text API and normalizes its results into interim and
// final transcript events.
package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/shopvoice/relay/internal/audio"
)

// ErrConnectTimeout reports that the upstream connection did not open within
// the bounded startup window. Fatal for the session; never retried.
var ErrConnectTimeout = errors.New("stt: upstream connection timed out")

// Config controls the Deepgram websocket connection.
type Config struct {
	APIKey         string
	BaseURL        string        // defaults to https://api.deepgram.com/v1
	EndpointingMs  int           // silence threshold for utterance completion
	ConnectTimeout time.Duration // bounded wait for the upstream dial
}

// Event is one normalized transcription result. Interim events are live
// display hypotheses; final events complete an utterance.
type Event struct {
	Text    string
	IsFinal bool
}

// Client dials transcription streams with fixed audio parameters.
type Client struct {
	cfg Config
}

// NewClient creates a Deepgram streaming client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.EndpointingMs <= 0 {
		cfg.EndpointingMs = 300
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg}
}

// Connect opens one streaming transcription connection. The returned stream
// is exclusively owned by the calling session and must be closed with it.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("stt: DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := c.listenURL()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.cfg.APIKey)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("stt: dial: %w", err)
	}

	s := &Stream{
		conn:     conn,
		events:   make(chan Event, 64),
		frames:   make(chan []byte, 32),
		done:     make(chan struct{}),
		sendDone: make(chan struct{}),
	}

	s.wg.Add(2)
	go func() {
		s.readLoop()
		close(s.events)
	}()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.done)
		_ = conn.Close()
	}()

	return s, nil
}

func (c *Client) listenURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("stt: invalid base URL: %w", err)
	}

	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	q.Set("channels", strconv.Itoa(audio.Channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("endpointing", strconv.Itoa(c.cfg.EndpointingMs))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Stream is one live upstream transcription connection.
type Stream struct {
	conn *websocket.Conn

	events   chan Event
	frames   chan []byte
	done     chan struct{}
	sendDone chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

// SendAudio forwards one raw PCM16 frame upstream. The frame is copied; the
// caller may reuse its buffer.
func (s *Stream) SendAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	s.sendMu.RLock()
	closed := s.sendClosed
	s.sendMu.RUnlock()
	if closed {
		return errors.New("stt: audio stream already closed")
	}

	copied := append([]byte(nil), frame...)
	select {
	case s.frames <- copied:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("stt: stream closed")
	}
}

// Events returns the transcript event stream. Closed when the connection ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns the first transport or provider error, nil on clean shutdown.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the connection down: buffered audio is flushed upstream, then
// the socket closes. Idempotent; remaining provider bytes are discarded.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeSend()
		<-s.sendDone
		_ = s.conn.Close()
	})
	<-s.done
	return s.Err()
}

func (s *Stream) closeSend() {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.frames)
		s.sendMu.Unlock()
	})
}

func (s *Stream) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) writeLoop() {
	defer s.wg.Done()
	defer close(s.sendDone)

	for frame := range s.frames {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.setErr(fmt.Errorf("stt: send audio: %w", err))
			return
		}
	}

	// Best effort; the peer may already be gone during teardown.
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("stt: read: %w", err))
			return
		}

		var resp listenResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}

		if strings.EqualFold(resp.Type, "Error") {
			msg := strings.TrimSpace(resp.Message)
			if msg == "" {
				msg = "deepgram returned an unknown error"
			}
			s.setErr(errors.New("stt: " + msg))
			return
		}
		if !strings.EqualFold(resp.Type, "Results") {
			continue
		}

		text := resp.transcript()
		if text == "" {
			continue
		}
		s.emit(Event{Text: text, IsFinal: resp.IsFinal || resp.SpeechFinal})
	}
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r listenResponse) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}
