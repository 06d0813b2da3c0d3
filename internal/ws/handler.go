// Package ws accepts client connections, enforces tenant checks before the
// upgrade, and relays client audio/text in, transcription events, and
// model/synthesis output for the lifetime of each session.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shopvoice/relay/internal/audio"
	"github.com/shopvoice/relay/internal/metrics"
	"github.com/shopvoice/relay/internal/pipeline"
	"github.com/shopvoice/relay/internal/prompts"
	"github.com/shopvoice/relay/internal/session"
	"github.com/shopvoice/relay/internal/store"
	"github.com/shopvoice/relay/internal/stt"
	"github.com/shopvoice/relay/internal/trace"
)

// finalizeTimeout bounds the persistence flush after disconnect.
const finalizeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TenantDirectory resolves tenant identity and configuration at connect time.
type TenantDirectory interface {
	ShopByDomain(ctx context.Context, domain string) (*store.Shop, error)
	AgentConfig(ctx context.Context, shopID string) (*store.AgentConfig, error)
}

// TranscriptStream is one live upstream transcription connection.
type TranscriptStream interface {
	SendAudio(frame []byte) error
	Events() <-chan stt.Event
	Close() error
}

// HandlerConfig holds the shared collaborators for all sessions.
type HandlerConfig struct {
	Tenants       TenantDirectory
	Registry      *session.Registry
	Pipeline      pipeline.Config
	DialSTT       func(ctx context.Context) (TranscriptStream, error)
	TraceStore    *trace.Store // optional
	MaxConcurrent int
}

// Handler manages voice sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP verifies the tenant, upgrades the connection, and runs the
// session. Fatal startup conditions are refused before any session exists.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	shopDomain := r.URL.Query().Get("shop")
	if shopDomain == "" {
		metrics.SessionsRejected.WithLabelValues("missing_shop").Inc()
		http.Error(w, "shop domain required", http.StatusBadRequest)
		return
	}

	shop, err := h.cfg.Tenants.ShopByDomain(r.Context(), shopDomain)
	if errors.Is(err, store.ErrShopNotFound) {
		metrics.SessionsRejected.WithLabelValues("unknown_shop").Inc()
		http.Error(w, "shop not found or inactive", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("shop lookup failed", "shop_domain", shopDomain, "error", err)
		http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
		return
	}

	agentCfg, err := h.cfg.Tenants.AgentConfig(r.Context(), shop.ID)
	if err != nil {
		slog.Error("agent config failed", "shop_domain", shopDomain, "error", err)
		http.Error(w, "tenant lookup failed", http.StatusInternalServerError)
		return
	}
	if !agentCfg.IsEnabled {
		metrics.SessionsRejected.WithLabelValues("voice_disabled").Inc()
		http.Error(w, "voice assistant disabled", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	h.runSession(conn, shop, agentCfg)
}

func (h *Handler) runSession(conn *websocket.Conn, shop *store.Shop, agentCfg *store.AgentConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := h.cfg.Registry.Create(shop.ID, shop.Domain)
	snd := &sender{conn: conn}

	slog.Info("session started", "session_id", sess.ID, "shop_domain", shop.Domain)

	var tracer *trace.Tracer
	if h.cfg.TraceStore != nil {
		tracer = trace.NewTracer(h.cfg.TraceStore, sess.ID)
		tracer.StartSession(shop.Domain)
	}

	pipeCfg := h.cfg.Pipeline
	pipeCfg.Tracer = tracer
	pipe := pipeline.New(pipeCfg, sess, pipeline.Tenant{
		Shop:         *shop,
		SystemPrompt: agentCfg.SystemPrompt,
		VoiceModel:   agentCfg.VoiceModel,
	})

	// consumerDone closes when consumeTranscripts returns. Cleanup must join
	// the consumer before waiting on turns: a final event still buffered in the
	// closed stream can start one more turn, and its turns.Add has to land
	// before turns.Wait.
	consumerDone := make(chan struct{})

	var turns sync.WaitGroup
	defer func() {
		cancel()
		<-consumerDone
		turns.Wait()
		if _, ok := h.cfg.Registry.Remove(sess.ID); ok {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), finalizeTimeout)
			pipe.Finalize(flushCtx)
			flushCancel()
		}
		slog.Info("session ended", "session_id", sess.ID, "duration_s", int(sess.Duration().Seconds()))
	}()

	// The upstream transcription connection is fatal when unavailable:
	// tell the client voice recognition is down and hang up. Not retried.
	stream, err := h.cfg.DialSTT(ctx)
	if err != nil {
		close(consumerDone)
		slog.Error("stt connect failed", "session_id", sess.ID, "error", err)
		snd.Error("Failed to initialize voice recognition. Please try again later.")
		return
	}
	defer stream.Close()

	greeting := agentCfg.GreetingMessage
	if greeting == "" {
		greeting = prompts.DefaultGreeting
	}
	snd.send(connectionEstablished{Type: "connection.established", SessionID: sess.ID, Greeting: greeting})

	go func() {
		defer close(consumerDone)
		h.consumeTranscripts(ctx, stream, pipe, snd, &turns, sess.ID)
	}()

	h.readLoop(ctx, conn, stream, pipe, snd, &turns, sess.ID)
}

// consumeTranscripts forwards interim results for live display and gates
// final results into turns. Turns run on their own goroutine so interim
// transcripts keep flowing while a reply is being composed.
func (h *Handler) consumeTranscripts(ctx context.Context, stream TranscriptStream, pipe *pipeline.Pipeline, snd *sender, turns *sync.WaitGroup, sessionID string) {
	for ev := range stream.Events() {
		snd.TranscriptUpdate(ev.Text, ev.IsFinal)
		if !ev.IsFinal {
			continue
		}
		text := ev.Text
		turns.Add(1)
		go func() {
			defer turns.Done()
			pipe.SubmitTurn(ctx, "voice", text, snd)
		}()
	}
	if err := streamErr(stream); err != nil && ctx.Err() == nil {
		slog.Error("stt stream failed", "session_id", sessionID, "error", err)
		snd.Error("Voice recognition connection lost")
	}
}

func streamErr(stream TranscriptStream) error {
	type errer interface{ Err() error }
	if e, ok := stream.(errer); ok {
		return e.Err()
	}
	return nil
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, stream TranscriptStream, pipe *pipeline.Pipeline, snd *sender, turns *sync.WaitGroup, sessionID string) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			slog.Info("connection closed", "session_id", sessionID, "error", err)
			return
		}

		switch msg.Type {
		case "audio.chunk":
			frame, err := audio.DecodeFrame(msg.Audio)
			if err != nil {
				slog.Warn("bad audio frame", "session_id", sessionID, "error", err)
				continue
			}
			metrics.AudioChunksIn.Inc()
			if err := stream.SendAudio(frame); err != nil {
				slog.Warn("forward audio", "session_id", sessionID, "error", err)
			}

		case "text.message":
			text := msg.Message
			turns.Add(1)
			go func() {
				defer turns.Done()
				pipe.SubmitTurn(ctx, "text", text, snd)
			}()

		case "customer.info":
			if err := pipe.SaveCustomerInfo(ctx, msg.Name, msg.Email); err != nil {
				slog.Error("save customer info", "session_id", sessionID, "error", err)
				snd.Error("Failed to save customer information")
				continue
			}
			snd.send(ack{Type: "customer.saved", Message: "Thanks! Your information has been saved."})

		case "conversation.rating":
			if err := pipe.SaveRating(ctx, msg.Rating, msg.Feedback); err != nil {
				slog.Error("save rating", "session_id", sessionID, "error", err)
				continue
			}
			snd.send(ack{Type: "rating.saved", Message: "Thank you for your feedback!"})

		case "session.end":
			snd.send(ack{Type: "session.ended"})
			return

		default:
			slog.Warn("unknown message type", "session_id", sessionID, "type", msg.Type)
		}
	}
}
