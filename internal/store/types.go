package store

import "github.com/shopvoice/relay/internal/session"

// Shop is the tenant record resolved once at connect time.
type Shop struct {
	ID          string `json:"id"`
	Domain      string `json:"shop_domain"`
	IsActive    bool   `json:"is_active"`
	AccessToken string `json:"access_token"`
}

// AgentConfig is the tenant's assistant configuration.
type AgentConfig struct {
	SystemPrompt    string `json:"system_prompt"`
	GreetingMessage string `json:"greeting_message"`
	VoiceModel      string `json:"voice_model"`
	IsEnabled       bool   `json:"is_enabled"`
}

// ConversationRecord is the durable shape of a conversation. Persistence
// always rewrites the full transcript, never patches a single entry.
type ConversationRecord struct {
	ShopID             string
	CustomerIdentifier string
	Transcript         []session.TranscriptEntry
	DurationSeconds    int
	Sentiment          string
	Topic              string
}
