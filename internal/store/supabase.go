// Package store is the Supabase-backed persistence sink: tenant configuration
// reads and the append-only conversation record writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/shopvoice/relay/internal/metrics"
	"github.com/shopvoice/relay/internal/session"
)

// ErrShopNotFound reports an unknown or inactive tenant domain.
var ErrShopNotFound = errors.New("store: shop not found or inactive")

// Config holds Supabase connection settings.
type Config struct {
	URL    string
	APIKey string
}

// Supabase implements the persistence sink against the project database.
type Supabase struct {
	client *supabase.Client
}

// New creates a Supabase store client.
func New(cfg Config) (*Supabase, error) {
	if cfg.URL == "" {
		return nil, errors.New("store: supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("store: supabase API key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("store: create client: %w", err)
	}
	return &Supabase{client: client}, nil
}

// ShopByDomain resolves an active tenant by its domain.
func (s *Supabase) ShopByDomain(ctx context.Context, domain string) (*Shop, error) {
	var shops []Shop
	_, err := s.client.From("shops").
		Select("id, shop_domain, is_active, access_token", "", false).
		Eq("shop_domain", domain).
		Eq("is_active", "true").
		ExecuteTo(&shops)
	if err != nil {
		return nil, fmt.Errorf("store: shop lookup: %w", err)
	}
	if len(shops) == 0 {
		return nil, ErrShopNotFound
	}
	return &shops[0], nil
}

// AgentConfig returns the tenant's assistant configuration. A missing row
// yields enabled defaults; the prompt/greeting fallbacks live with the caller.
func (s *Supabase) AgentConfig(ctx context.Context, shopID string) (*AgentConfig, error) {
	var configs []AgentConfig
	_, err := s.client.From("agent_config").
		Select("system_prompt, greeting_message, voice_model, is_enabled", "", false).
		Eq("shop_id", shopID).
		ExecuteTo(&configs)
	if err != nil {
		return nil, fmt.Errorf("store: agent config: %w", err)
	}
	if len(configs) == 0 {
		return &AgentConfig{IsEnabled: true}, nil
	}
	return &configs[0], nil
}

type conversationRow struct {
	ID                 string                    `json:"id,omitempty"`
	ShopID             string                    `json:"shop_id,omitempty"`
	CustomerIdentifier string                    `json:"customer_identifier,omitempty"`
	Transcript         []session.TranscriptEntry `json:"transcript"`
	DurationSeconds    *int                      `json:"duration_seconds,omitempty"`
	Sentiment          string                    `json:"sentiment,omitempty"`
	Topic              string                    `json:"topic,omitempty"`
	UpdatedAt          string                    `json:"updated_at,omitempty"`
}

// CreateConversation inserts a new conversation record and returns its ID.
// Called once per session, on the first recorded utterance.
func (s *Supabase) CreateConversation(ctx context.Context, rec ConversationRecord) (string, error) {
	start := time.Now()

	row := conversationRow{
		ShopID:             rec.ShopID,
		CustomerIdentifier: rec.CustomerIdentifier,
		Transcript:         transcriptOrEmpty(rec.Transcript),
	}
	if rec.DurationSeconds > 0 {
		row.DurationSeconds = &rec.DurationSeconds
	}
	row.Sentiment = rec.Sentiment
	row.Topic = rec.Topic

	var inserted []conversationRow
	_, err := s.client.From("voice_conversations").
		Insert(row, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		metrics.Errors.WithLabelValues("persist", "insert").Inc()
		return "", fmt.Errorf("store: create conversation: %w", err)
	}
	if len(inserted) == 0 {
		return "", errors.New("store: create conversation: no row returned")
	}

	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
	return inserted[0].ID, nil
}

// UpdateConversation rewrites the full conversation record.
func (s *Supabase) UpdateConversation(ctx context.Context, id string, rec ConversationRecord) error {
	start := time.Now()

	row := conversationRow{
		Transcript: transcriptOrEmpty(rec.Transcript),
		Sentiment:  rec.Sentiment,
		Topic:      rec.Topic,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if rec.DurationSeconds > 0 {
		row.DurationSeconds = &rec.DurationSeconds
	}

	_, _, err := s.client.From("voice_conversations").
		Update(row, "", "").
		Eq("id", id).
		Execute()
	if err != nil {
		metrics.Errors.WithLabelValues("persist", "update").Inc()
		return fmt.Errorf("store: update conversation: %w", err)
	}

	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
	return nil
}

type customerRow struct {
	ID                string `json:"id,omitempty"`
	ShopID            string `json:"shop_id,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	LastInteractionAt string `json:"last_interaction_at,omitempty"`
}

// SaveCustomer upserts the customer identity shared mid-conversation and
// returns the customer ID.
func (s *Supabase) SaveCustomer(ctx context.Context, shopID, name, email string) (string, error) {
	var existing []customerRow
	_, err := s.client.From("customers").
		Select("id", "", false).
		Eq("shop_id", shopID).
		Eq("email", email).
		ExecuteTo(&existing)
	if err != nil {
		return "", fmt.Errorf("store: customer lookup: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if len(existing) > 0 {
		id := existing[0].ID
		_, _, err = s.client.From("customers").
			Update(customerRow{Name: name, LastInteractionAt: now}, "", "").
			Eq("id", id).
			Execute()
		if err != nil {
			return "", fmt.Errorf("store: customer update: %w", err)
		}
		return id, nil
	}

	var inserted []customerRow
	_, err = s.client.From("customers").
		Insert(customerRow{ShopID: shopID, Name: name, Email: email}, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return "", fmt.Errorf("store: customer insert: %w", err)
	}
	if len(inserted) == 0 {
		return "", errors.New("store: customer insert: no row returned")
	}
	return inserted[0].ID, nil
}

// LinkCustomer attaches a saved customer to an existing conversation record.
func (s *Supabase) LinkCustomer(ctx context.Context, conversationID, customerID, email string) error {
	_, _, err := s.client.From("voice_conversations").
		Update(map[string]any{
			"customer_id":         customerID,
			"customer_identifier": email,
		}, "", "").
		Eq("id", conversationID).
		Execute()
	if err != nil {
		return fmt.Errorf("store: link customer: %w", err)
	}
	return nil
}

// SaveRating records the end-of-conversation rating and optional feedback.
func (s *Supabase) SaveRating(ctx context.Context, conversationID string, rating int, feedback string) error {
	update := map[string]any{
		"rating":     rating,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if feedback != "" {
		update["feedback_text"] = feedback
	}
	_, _, err := s.client.From("voice_conversations").
		Update(update, "", "").
		Eq("id", conversationID).
		Execute()
	if err != nil {
		return fmt.Errorf("store: save rating: %w", err)
	}
	return nil
}

// transcriptOrEmpty keeps the persisted transcript a JSON array, never null.
func transcriptOrEmpty(t []session.TranscriptEntry) []session.TranscriptEntry {
	if t == nil {
		return []session.TranscriptEntry{}
	}
	return t
}
