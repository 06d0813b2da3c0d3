package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopvoice/relay/internal/llm"
	"github.com/shopvoice/relay/internal/session"
	"github.com/shopvoice/relay/internal/shopify"
	"github.com/shopvoice/relay/internal/store"
	"github.com/shopvoice/relay/internal/tts"
)

type fakeLLM struct {
	mu      sync.Mutex
	results []*llm.Result
	err     error
	reqs    []llm.Request
	block   chan struct{} // when set, Chat waits until closed
}

func (f *fakeLLM) Chat(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *fakeLLM) requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.reqs...)
}

type fakeTTS struct {
	err    error
	chunks [][]byte
}

func (f *fakeTTS) Synthesize(ctx context.Context, text, voiceID string, emit tts.ChunkFunc) (*tts.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	total := 0
	for _, c := range f.chunks {
		emit(c)
		total += len(c)
	}
	return &tts.Result{Chunks: len(f.chunks), Bytes: total, LatencyMs: 5}, nil
}

type fakeOrders struct {
	status string
	err    error
	calls  []string
}

func (f *fakeOrders) OrderStatus(ctx context.Context, shopDomain, accessToken, orderNumber string) (string, error) {
	f.calls = append(f.calls, orderNumber)
	return f.status, f.err
}

type fakeStore struct {
	mu        sync.Mutex
	creates   []store.ConversationRecord
	updates   map[string]store.ConversationRecord
	createErr error
	nextID    string
	customers map[string]string // email -> id
	links     [][3]string
	ratings   []int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:    "conv-1",
		updates:   map[string]store.ConversationRecord{},
		customers: map[string]string{},
	}
}

func (f *fakeStore) CreateConversation(ctx context.Context, rec store.ConversationRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates = append(f.creates, rec)
	return f.nextID, nil
}

func (f *fakeStore) UpdateConversation(ctx context.Context, id string, rec store.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = rec
	return nil
}

func (f *fakeStore) SaveCustomer(ctx context.Context, shopID, name, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[email] = "cust-1"
	return "cust-1", nil
}

func (f *fakeStore) LinkCustomer(ctx context.Context, conversationID, customerID, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, [3]string{conversationID, customerID, email})
	return nil
}

func (f *fakeStore) SaveRating(ctx context.Context, conversationID string, rating int, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratings = append(f.ratings, rating)
	return nil
}

// recordingEmitter captures delivery order across event kinds.
type recordingEmitter struct {
	mu     sync.Mutex
	events []string // "text:<t>", "audio", "complete", "error:<m>"
}

func (r *recordingEmitter) TextResponse(text string) { r.record("text:" + text) }
func (r *recordingEmitter) AudioChunk(b64, format string) {
	r.record("audio:" + format)
}
func (r *recordingEmitter) AudioComplete(chunks, bytes int) { r.record("complete") }
func (r *recordingEmitter) Error(message string)            { r.record("error:" + message) }

func (r *recordingEmitter) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testTenant() Tenant {
	return Tenant{
		Shop: store.Shop{ID: "shop-1", Domain: "demo.myshopify.com", IsActive: true, AccessToken: "shpat_x"},
	}
}

func newTestPipeline(cfg Config) (*Pipeline, *session.Session) {
	sess := session.New("sess-1", "shop-1", "demo.myshopify.com")
	if cfg.Store == nil {
		cfg.Store = newFakeStore()
	}
	return New(cfg, sess, testTenant()), sess
}

func TestTurnDeliversTextBeforeAudio(t *testing.T) {
	t.Parallel()

	p, sess := newTestPipeline(Config{
		LLM: &fakeLLM{results: []*llm.Result{{Text: "We ship worldwide."}}},
		TTS: &fakeTTS{chunks: [][]byte{{1, 2}, {3, 4}}},
	})
	emit := &recordingEmitter{}

	if !p.SubmitTurn(context.Background(), "text", "do you ship abroad?", emit) {
		t.Fatal("SubmitTurn returned false on idle session")
	}

	want := []string{"text:We ship worldwide.", "audio:mp3", "audio:mp3", "complete"}
	got := emit.all()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	tr := sess.Transcript()
	if len(tr) != 2 || tr[0].Role != session.RoleCustomer || tr[1].Role != session.RoleAssistant {
		t.Fatalf("transcript = %+v, want customer then assistant", tr)
	}
	if sess.ConversationID() == "" {
		t.Error("conversation not created on first utterance")
	}
}

func TestTurnInFlightDropsInput(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	chat := &fakeLLM{results: []*llm.Result{{Text: "ok"}}, block: block}
	p, sess := newTestPipeline(Config{LLM: chat, TTS: &fakeTTS{}})
	emit := &recordingEmitter{}

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		p.SubmitTurn(context.Background(), "voice", "first utterance", emit)
		close(done)
	}()
	<-started

	// Wait until the first turn holds the gate.
	for sess.ConversationID() == "" {
		time.Sleep(time.Millisecond)
	}

	if p.SubmitTurn(context.Background(), "voice", "second utterance", emit) {
		t.Fatal("second turn accepted while first in flight")
	}

	close(block)
	<-done

	tr := sess.Transcript()
	for _, e := range tr {
		if strings.Contains(e.Content, "second utterance") {
			t.Fatal("dropped input reached the transcript")
		}
	}
	if len(tr) != 2 {
		t.Fatalf("transcript has %d entries, want 2", len(tr))
	}

	// Gate released; the next turn is accepted.
	if !p.SubmitTurn(context.Background(), "voice", "third utterance", emit) {
		t.Fatal("turn rejected after previous turn completed")
	}
}

func TestTurnBlankInputIgnored(t *testing.T) {
	t.Parallel()

	p, sess := newTestPipeline(Config{
		LLM: &fakeLLM{results: []*llm.Result{{Text: "ok"}}},
		TTS: &fakeTTS{},
	})
	if p.SubmitTurn(context.Background(), "voice", "   ", &recordingEmitter{}) {
		t.Fatal("blank input started a turn")
	}
	if len(sess.Transcript()) != 0 {
		t.Fatal("blank input reached the transcript")
	}
}

func TestTurnModelFailureRecoversState(t *testing.T) {
	t.Parallel()

	chat := &fakeLLM{err: errors.New("rate limited")}
	p, _ := newTestPipeline(Config{LLM: chat, TTS: &fakeTTS{}})
	emit := &recordingEmitter{}

	p.SubmitTurn(context.Background(), "text", "hello", emit)

	got := emit.all()
	if len(got) != 1 || got[0] != "error:Failed to process request" {
		t.Fatalf("events = %v, want single generic error", got)
	}

	// Session returned to idle: the next turn is accepted.
	chat.err = nil
	chat.results = []*llm.Result{{Text: "recovered"}}
	if !p.SubmitTurn(context.Background(), "text", "hello again", emit) {
		t.Fatal("turn rejected after model failure")
	}
}

func TestTurnSynthesisFailureDegradesToTextOnly(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(Config{
		LLM: &fakeLLM{results: []*llm.Result{{Text: "hello"}}},
		TTS: &fakeTTS{err: errors.New("provider down")},
	})
	emit := &recordingEmitter{}

	if !p.SubmitTurn(context.Background(), "text", "hi", emit) {
		t.Fatal("SubmitTurn returned false")
	}

	got := emit.all()
	if len(got) != 1 || got[0] != "text:hello" {
		t.Fatalf("events = %v, want text only with no error surfaced", got)
	}
}

func TestTurnToolDispatchReturnsSentence(t *testing.T) {
	t.Parallel()

	orders := &fakeOrders{status: "Order #1001: Status is shipped. Total: $49.99 for 2 item(s). No tracking info yet."}
	p, _ := newTestPipeline(Config{
		LLM: &fakeLLM{results: []*llm.Result{{
			ToolCall: &llm.ToolCall{Name: llm.OrderLookupTool, Arguments: `{"order_number":"1001"}`},
		}}},
		TTS:    &fakeTTS{},
		Orders: orders,
	})
	emit := &recordingEmitter{}

	p.SubmitTurn(context.Background(), "voice", "where is order 1001", emit)

	if len(orders.calls) != 1 || orders.calls[0] != "1001" {
		t.Fatalf("lookup calls = %v, want [1001]", orders.calls)
	}
	got := emit.all()
	if len(got) == 0 || got[0] != "text:"+orders.status {
		t.Fatalf("first event = %v, want the formatted status sentence", got)
	}
	for _, ev := range got {
		if strings.Contains(ev, "{") {
			t.Errorf("raw structured data leaked to the client: %q", ev)
		}
	}
}

func TestTurnToolDispatchEdgeCases(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		call   *llm.ToolCall
		orders *fakeOrders
		want   string
	}{
		{
			name:   "order not found",
			call:   &llm.ToolCall{Name: llm.OrderLookupTool, Arguments: `{"order_number":"9999"}`},
			orders: &fakeOrders{err: shopify.ErrOrderNotFound},
			want:   "I couldn't find an order with the number 9999",
		},
		{
			name:   "lookup failure",
			call:   &llm.ToolCall{Name: llm.OrderLookupTool, Arguments: `{"order_number":"1"}`},
			orders: &fakeOrders{err: errors.New("upstream 500")},
			want:   "I'm having trouble looking that order up",
		},
		{
			name:   "malformed arguments",
			call:   &llm.ToolCall{Name: llm.OrderLookupTool, Arguments: `{"order_number":`},
			orders: &fakeOrders{},
			want:   "I didn't catch the order number",
		},
		{
			name:   "unknown tool",
			call:   &llm.ToolCall{Name: "delete_everything", Arguments: `{}`},
			orders: &fakeOrders{},
			want:   llm.FallbackReply,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPipeline(Config{
				LLM:    &fakeLLM{results: []*llm.Result{{ToolCall: tc.call}}},
				TTS:    &fakeTTS{},
				Orders: tc.orders,
			})
			emit := &recordingEmitter{}
			p.SubmitTurn(context.Background(), "voice", "check my order", emit)

			got := emit.all()
			if len(got) == 0 || !strings.Contains(got[0], tc.want) {
				t.Fatalf("first event = %v, want text containing %q", got, tc.want)
			}
		})
	}
}

func TestContextCarriesBoundedHistory(t *testing.T) {
	t.Parallel()

	chat := &fakeLLM{results: []*llm.Result{{Text: "reply"}}}
	p, _ := newTestPipeline(Config{LLM: chat, TTS: &fakeTTS{}, HistoryWindow: 4})
	emit := &recordingEmitter{}

	for i := 0; i < 5; i++ {
		p.SubmitTurn(context.Background(), "text", "question", emit)
	}

	reqs := chat.requests()
	last := reqs[len(reqs)-1]

	// system + 4 history entries + current user turn.
	if len(last.Messages) != 6 {
		t.Fatalf("context has %d messages, want 6", len(last.Messages))
	}
	if last.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", last.Messages[0].Role)
	}
	if tail := last.Messages[len(last.Messages)-1]; tail.Role != "user" || tail.Content != "question" {
		t.Errorf("last message = %+v, want the new user turn", tail)
	}
}

func TestOrderLookupOfferedOnlyWithCredentials(t *testing.T) {
	t.Parallel()

	chat := &fakeLLM{results: []*llm.Result{{Text: "ok"}}}
	sess := session.New("s", "shop-1", "demo.myshopify.com")
	tenant := testTenant()
	tenant.Shop.AccessToken = ""
	p := New(Config{LLM: chat, TTS: &fakeTTS{}, Orders: &fakeOrders{}, Store: newFakeStore()}, sess, tenant)

	p.SubmitTurn(context.Background(), "text", "hi", &recordingEmitter{})

	if reqs := chat.requests(); reqs[0].OfferOrderLookup {
		t.Fatal("tool offered without store credentials")
	}
}

func TestFinalizePersistsOnceWithInsights(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	p, sess := newTestPipeline(Config{
		LLM:   &fakeLLM{results: []*llm.Result{{Text: "I'm sorry, you can request a refund or return it within 30 days."}}},
		TTS:   &fakeTTS{},
		Store: st,
	})

	p.SubmitTurn(context.Background(), "text", "this is terrible, my order arrived broken and I am frustrated", &recordingEmitter{})

	p.Finalize(context.Background())
	p.Finalize(context.Background())

	if len(st.creates) != 1 {
		t.Fatalf("creates = %d, want the single first-utterance create", len(st.creates))
	}
	id := sess.ConversationID()
	rec, ok := st.updates[id]
	if !ok {
		t.Fatalf("no final update for conversation %q; updates = %v", id, st.updates)
	}
	if len(st.updates) != 1 {
		t.Fatalf("updates = %d, want exactly 1 (finalize is idempotent)", len(st.updates))
	}

	if rec.Sentiment != "negative" {
		t.Errorf("sentiment = %q, want negative", rec.Sentiment)
	}
	if rec.Topic != "return" {
		t.Errorf("topic = %q, want return", rec.Topic)
	}
	if len(rec.Transcript) != 2 {
		t.Errorf("saved transcript has %d entries, want 2", len(rec.Transcript))
	}
	if rec.CustomerIdentifier != "web-customer" {
		t.Errorf("customer identifier = %q, want anonymous default", rec.CustomerIdentifier)
	}
}

func TestFinalizeEmptySessionSkipsPersistence(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	p, _ := newTestPipeline(Config{LLM: &fakeLLM{}, TTS: &fakeTTS{}, Store: st})

	p.Finalize(context.Background())

	if len(st.creates) != 0 || len(st.updates) != 0 {
		t.Fatal("empty session persisted a conversation record")
	}
}

func TestFinalizeCreatesWhenFirstCreateFailed(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.createErr = errors.New("supabase down")
	p, _ := newTestPipeline(Config{
		LLM:   &fakeLLM{results: []*llm.Result{{Text: "hello"}}},
		TTS:   &fakeTTS{},
		Store: st,
	})

	p.SubmitTurn(context.Background(), "text", "hi there", &recordingEmitter{})

	st.mu.Lock()
	st.createErr = nil
	st.mu.Unlock()
	p.Finalize(context.Background())

	if len(st.creates) != 1 {
		t.Fatalf("creates = %d, want finalize to create the record late", len(st.creates))
	}
	if got := st.creates[0]; len(got.Transcript) != 2 || got.DurationSeconds < 0 {
		t.Errorf("late-created record = %+v", got)
	}
}

func TestSaveCustomerInfoLinksConversation(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	p, sess := newTestPipeline(Config{
		LLM:   &fakeLLM{results: []*llm.Result{{Text: "hi"}}},
		TTS:   &fakeTTS{},
		Store: st,
	})

	if err := p.SaveCustomerInfo(context.Background(), "Ada", "ada@example.com"); err != nil {
		t.Fatalf("SaveCustomerInfo: %v", err)
	}

	if name, email := sess.Customer(); name != "Ada" || email != "ada@example.com" {
		t.Errorf("session customer = %q/%q", name, email)
	}
	if len(st.links) != 1 || st.links[0][2] != "ada@example.com" {
		t.Fatalf("links = %v, want one link for the customer email", st.links)
	}

	// Identity now flows into the persisted record.
	p.SubmitTurn(context.Background(), "text", "hello", &recordingEmitter{})
	p.Finalize(context.Background())
	rec := st.updates[sess.ConversationID()]
	if rec.CustomerIdentifier != "ada@example.com" {
		t.Errorf("customer identifier = %q, want the shared email", rec.CustomerIdentifier)
	}
}

func TestSaveRatingRequiresConversation(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	p, _ := newTestPipeline(Config{LLM: &fakeLLM{results: []*llm.Result{{Text: "hi"}}}, TTS: &fakeTTS{}, Store: st})

	if err := p.SaveRating(context.Background(), 5, "great"); err != nil {
		t.Fatalf("SaveRating before conversation: %v", err)
	}
	if len(st.ratings) != 0 {
		t.Fatal("rating persisted with no conversation record")
	}

	p.SubmitTurn(context.Background(), "text", "hello", &recordingEmitter{})
	if err := p.SaveRating(context.Background(), 5, "great"); err != nil {
		t.Fatalf("SaveRating: %v", err)
	}
	if len(st.ratings) != 1 {
		t.Fatalf("ratings = %v, want one entry", st.ratings)
	}
}
