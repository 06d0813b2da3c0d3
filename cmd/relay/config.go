package main

import (
	"time"

	"github.com/shopvoice/relay/internal/env"
)

type config struct {
	port string

	supabaseURL string
	supabaseKey string

	deepgramAPIKey     string
	deepgramBaseURL    string
	deepgramEndpointMs int
	sttConnectTimeout  time.Duration

	openaiAPIKey   string
	openaiModel    string
	llmMaxTokens   int
	llmTemperature float64

	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string
	ttsChunkBytes     int
	ttsPoolSize       int

	ordersPoolSize int

	traceDB string

	maxConcurrentSessions int
	historyWindow         int
}

func loadConfig() config {
	return config{
		port: env.Str("RELAY_PORT", "8000"),

		supabaseURL: env.Str("SUPABASE_URL", ""),
		supabaseKey: env.Str("SUPABASE_SERVICE_ROLE_KEY", ""),

		deepgramAPIKey:     env.Str("DEEPGRAM_API_KEY", ""),
		deepgramBaseURL:    env.Str("DEEPGRAM_BASE_URL", "https://api.deepgram.com/v1"),
		deepgramEndpointMs: env.Int("DEEPGRAM_ENDPOINTING_MS", 300),
		sttConnectTimeout:  env.Duration("STT_CONNECT_TIMEOUT", 10*time.Second),

		openaiAPIKey:   env.Str("OPENAI_API_KEY", ""),
		openaiModel:    env.Str("OPENAI_MODEL", "gpt-4o"),
		llmMaxTokens:   env.Int("LLM_MAX_TOKENS", 150),
		llmTemperature: env.Float("LLM_TEMPERATURE", 0.7),

		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "Kft8nAqXain1XJjJLVz7"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		ttsChunkBytes:     env.Int("RELAY_TTS_CHUNK_BYTES", 16384),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),

		ordersPoolSize: env.Int("ORDERS_POOL_SIZE", 20),

		traceDB: env.Str("RELAY_TRACE_DB", ""),

		maxConcurrentSessions: env.Int("MAX_CONCURRENT_SESSIONS", 100),
		historyWindow:         env.Int("HISTORY_WINDOW", 10),
	}
}
