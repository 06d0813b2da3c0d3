// Package pipeline drives the turn-taking state machine for one voice
// session: a finalized utterance or typed message in, model reply text out
// first, synthesized audio after.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopvoice/relay/internal/audio"
	"github.com/shopvoice/relay/internal/insights"
	"github.com/shopvoice/relay/internal/llm"
	"github.com/shopvoice/relay/internal/metrics"
	"github.com/shopvoice/relay/internal/prompts"
	"github.com/shopvoice/relay/internal/session"
	"github.com/shopvoice/relay/internal/shopify"
	"github.com/shopvoice/relay/internal/store"
	"github.com/shopvoice/relay/internal/trace"
	"github.com/shopvoice/relay/internal/tts"
)

// defaultHistoryWindow bounds the trailing history submitted to the model.
const defaultHistoryWindow = 10

// anonymousCustomer identifies conversations where no identity was shared.
const anonymousCustomer = "web-customer"

// Emitter delivers relay→client events for one connection. Implementations
// must be safe for concurrent use; the pipeline calls it from turn goroutines.
type Emitter interface {
	TextResponse(text string)
	AudioChunk(b64, format string)
	AudioComplete(chunks, bytes int)
	Error(message string)
}

// ConversationStore is the persistence sink consumed by the pipeline.
type ConversationStore interface {
	CreateConversation(ctx context.Context, rec store.ConversationRecord) (string, error)
	UpdateConversation(ctx context.Context, id string, rec store.ConversationRecord) error
	SaveCustomer(ctx context.Context, shopID, name, email string) (string, error)
	LinkCustomer(ctx context.Context, conversationID, customerID, email string) error
	SaveRating(ctx context.Context, conversationID string, rating int, feedback string) error
}

// Tenant is the configuration resolved once at connect time.
type Tenant struct {
	Shop         store.Shop
	SystemPrompt string // as configured; "" falls back to the generic template
	VoiceModel   string // "" uses the provider default
}

// Config holds the shared collaborators for one session's pipeline.
type Config struct {
	LLM           llm.Chatter
	TTS           tts.Synthesizer
	Orders        shopify.OrderLookup
	Store         ConversationStore
	Tracer        *trace.Tracer
	HistoryWindow int
}

// Pipeline orchestrates turns for a single session.
type Pipeline struct {
	cfg    Config
	sess   *session.Session
	tenant Tenant
}

// New creates a pipeline bound to one session.
func New(cfg Config, sess *session.Session, tenant Tenant) *Pipeline {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	return &Pipeline{cfg: cfg, sess: sess, tenant: tenant}
}

// SubmitTurn attempts to start a turn for a finalized user utterance or typed
// message. It returns false when a turn is already in flight: the input is
// dropped, not queued, so overlapping replies never talk over each other.
// On true, the turn runs to completion before returning; callers run it on
// their own goroutine to keep interim transcripts flowing.
func (p *Pipeline) SubmitTurn(ctx context.Context, source, userText string, emit Emitter) bool {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return false
	}
	if !p.sess.BeginTurn() {
		metrics.TranscriptsDropped.Inc()
		slog.Debug("turn in flight, input dropped", "session_id", p.sess.ID, "source", source)
		return false
	}

	metrics.TurnsTotal.WithLabelValues(source).Inc()
	p.runTurn(ctx, source, userText, emit)
	return true
}

func (p *Pipeline) runTurn(ctx context.Context, source, userText string, emit Emitter) {
	start := time.Now()
	defer p.sess.EndTurn()
	defer func() {
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}()

	p.sess.AppendTranscript(session.RoleCustomer, userText)
	p.ensureConversation(ctx)

	result, err := p.cfg.LLM.Chat(ctx, llm.Request{
		Messages:         p.assembleContext(userText),
		OfferOrderLookup: p.cfg.Orders != nil && p.tenant.Shop.AccessToken != "",
	})
	if err != nil {
		slog.Error("model call failed", "session_id", p.sess.ID, "error", err)
		emit.Error("Failed to process request")
		p.cfg.Tracer.RecordTurn(source, start, float64(time.Since(start).Milliseconds()), userText, "", 0, 0, "error")
		return
	}

	reply := result.Text
	if result.ToolCall != nil {
		reply = p.dispatchTool(ctx, result.ToolCall)
	}

	// Text-first delivery: the reply reaches the client before any audio work.
	emit.TextResponse(reply)

	p.sess.RecordExchange(userText, reply)
	p.sess.AppendTranscript(session.RoleAssistant, reply)

	p.sess.StartSpeaking()
	ttsMs := p.synthesize(ctx, reply, emit)

	slog.Info("turn done", "session_id", p.sess.ID, "source", source,
		"llm_ms", result.LatencyMs, "tts_ms", ttsMs,
		"total_ms", time.Since(start).Milliseconds())
	p.cfg.Tracer.RecordTurn(source, start, float64(time.Since(start).Milliseconds()), userText, reply, result.LatencyMs, ttsMs, "ok")
}

// assembleContext builds the model message list: tenant system prompt plus an
// optional customer-identity suffix, the bounded trailing history, then the
// new user turn.
func (p *Pipeline) assembleContext(userText string) []llm.Message {
	sys := prompts.ForShop(p.tenant.SystemPrompt, p.tenant.Shop.Domain)
	name, email := p.sess.Customer()
	sys += prompts.CustomerSuffix(name, email)

	history := p.sess.HistoryWindow(p.cfg.HistoryWindow)
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: sys})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: userText})
}

// dispatchTool executes the model's lookup request and returns the natural-
// language result that becomes the reply text. The client never sees raw
// structured data, only the formatted sentence.
func (p *Pipeline) dispatchTool(ctx context.Context, call *llm.ToolCall) string {
	if call.Name != llm.OrderLookupTool {
		slog.Warn("unknown tool requested", "session_id", p.sess.ID, "tool", call.Name)
		return llm.FallbackReply
	}

	var args struct {
		OrderNumber string `json:"order_number"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.OrderNumber == "" {
		slog.Warn("bad tool arguments", "session_id", p.sess.ID, "error", err)
		return "I'm sorry, I didn't catch the order number. Could you repeat it?"
	}

	status, err := p.cfg.Orders.OrderStatus(ctx, p.tenant.Shop.Domain, p.tenant.Shop.AccessToken, args.OrderNumber)
	if errors.Is(err, shopify.ErrOrderNotFound) {
		return fmt.Sprintf("I couldn't find an order with the number %s. Could you double-check it?", args.OrderNumber)
	}
	if err != nil {
		slog.Error("order lookup failed", "session_id", p.sess.ID, "error", err)
		return "I'm having trouble looking that order up right now. Please try again in a moment."
	}
	return status
}

// synthesize streams audio for the reply. Failure is silent degradation: the
// text reply already reached the client, so the turn ends text-only.
func (p *Pipeline) synthesize(ctx context.Context, reply string, emit Emitter) float64 {
	result, err := p.cfg.TTS.Synthesize(ctx, reply, p.tenant.VoiceModel, func(chunk []byte) {
		emit.AudioChunk(audio.EncodeChunk(chunk), tts.Format)
	})
	if err != nil {
		slog.Error("synthesis failed", "session_id", p.sess.ID, "error", err)
		return 0
	}
	emit.AudioComplete(result.Chunks, result.Bytes)
	return result.LatencyMs
}

// ensureConversation creates the persisted record on the first utterance.
// The ID, once bound, is stable for the session. Best effort: a failed create
// is retried on the next turn and again at finalization.
func (p *Pipeline) ensureConversation(ctx context.Context) {
	if p.sess.ConversationID() != "" {
		return
	}
	id, err := p.cfg.Store.CreateConversation(ctx, store.ConversationRecord{
		ShopID:             p.tenant.Shop.ID,
		CustomerIdentifier: p.customerIdentifier(),
		Transcript:         []session.TranscriptEntry{},
	})
	if err != nil {
		slog.Error("create conversation", "session_id", p.sess.ID, "error", err)
		return
	}
	p.sess.BindConversation(id)
}

func (p *Pipeline) customerIdentifier() string {
	if _, email := p.sess.Customer(); email != "" {
		return email
	}
	return anonymousCustomer
}

// SaveCustomerInfo upserts the customer identity and links it to the
// conversation record, creating the record if needed.
func (p *Pipeline) SaveCustomerInfo(ctx context.Context, name, email string) error {
	customerID, err := p.cfg.Store.SaveCustomer(ctx, p.tenant.Shop.ID, name, email)
	if err != nil {
		return err
	}
	p.sess.SetCustomer(name, email)

	p.ensureConversation(ctx)
	if id := p.sess.ConversationID(); id != "" {
		if err := p.cfg.Store.LinkCustomer(ctx, id, customerID, email); err != nil {
			return err
		}
	}
	return nil
}

// SaveRating records a conversation rating. No-op before the first utterance
// because there is no record to rate yet.
func (p *Pipeline) SaveRating(ctx context.Context, rating int, feedback string) error {
	id := p.sess.ConversationID()
	if id == "" {
		return nil
	}
	return p.cfg.Store.SaveRating(ctx, id, rating, feedback)
}

// Finalize flushes the durable conversation record: final duration, derived
// sentiment and topic, and the full transcript. Callers guarantee at-most-once
// via registry removal; the finalized flag guards the slow path regardless.
func (p *Pipeline) Finalize(ctx context.Context) {
	if !p.sess.MarkFinalized() {
		return
	}
	defer p.cfg.Tracer.Close()

	transcript := p.sess.Transcript()
	duration := int(p.sess.Duration().Seconds())
	p.cfg.Tracer.EndSession(duration)

	if len(transcript) == 0 {
		return
	}

	var sb strings.Builder
	for i, entry := range transcript {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(entry.Content)
	}
	text := sb.String()

	rec := store.ConversationRecord{
		ShopID:             p.tenant.Shop.ID,
		CustomerIdentifier: p.customerIdentifier(),
		Transcript:         transcript,
		DurationSeconds:    duration,
		Sentiment:          insights.Sentiment(text),
		Topic:              insights.Topic(text),
	}

	var err error
	if id := p.sess.ConversationID(); id != "" {
		err = p.cfg.Store.UpdateConversation(ctx, id, rec)
	} else {
		_, err = p.cfg.Store.CreateConversation(ctx, rec)
	}
	if err != nil {
		slog.Error("save conversation", "session_id", p.sess.ID, "error", err)
		return
	}

	metrics.ConversationsSaved.Inc()
	slog.Info("conversation saved", "session_id", p.sess.ID,
		"duration_s", duration, "sentiment", rec.Sentiment, "topic", rec.Topic,
		"entries", len(transcript))
}
