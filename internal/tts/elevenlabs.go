// Package tts requests synthesized speech from ElevenLabs and streams it back
// in playback-ready chunks.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopvoice/relay/internal/metrics"
)

// Format is the provider's output encoding, declared per delivered chunk.
const Format = "mp3"

// DefaultChunkBytes is the minimum chunk size. Tuned for the provider's MP3
// frame size; configurable, not an invariant.
const DefaultChunkBytes = 16 * 1024

// ChunkFunc receives one playback-ready audio chunk.
type ChunkFunc func(chunk []byte)

// Result summarizes a finished synthesis stream.
type Result struct {
	Chunks    int
	Bytes     int
	LatencyMs float64
}

// Synthesizer streams synthesized audio for reply text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string, emit ChunkFunc) (*Result, error)
}

// Config holds ElevenLabs settings.
type Config struct {
	APIKey       string
	BaseURL      string // defaults to https://api.elevenlabs.io
	ModelID      string
	DefaultVoice string
	ChunkBytes   int
}

// ElevenLabs synthesizes speech via the streaming text-to-speech endpoint.
type ElevenLabs struct {
	cfg    Config
	client *http.Client
}

// NewElevenLabs creates an ElevenLabs client.
func NewElevenLabs(cfg Config, client *http.Client) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "Kft8nAqXain1XJjJLVz7"
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	return &ElevenLabs{cfg: cfg, client: client}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Synthesize requests audio for text and emits buffered chunks as they become
// decodable. The voiceID overrides the default when the tenant configured one.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string, emit ChunkFunc) (*Result, error) {
	start := time.Now()

	if voiceID == "" {
		voiceID = e.cfg.DefaultVoice
	}

	body, err := json.Marshal(struct {
		Text          string        `json:"text"`
		ModelID       string        `json:"model_id"`
		VoiceSettings voiceSettings `json:"voice_settings"`
	}{
		Text:    text,
		ModelID: e.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", e.cfg.BaseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return nil, fmt.Errorf("tts: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts: status %d: %s", resp.StatusCode, errBody)
	}

	ck := newChunker(e.cfg.ChunkBytes, emit)
	if _, err := io.Copy(ck, resp.Body); err != nil {
		metrics.Errors.WithLabelValues("tts", "stream").Inc()
		return nil, fmt.Errorf("tts: stream: %w", err)
	}
	ck.Close()

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())
	metrics.AudioBytesOut.Add(float64(ck.Bytes()))

	return &Result{
		Chunks:    ck.Chunks(),
		Bytes:     ck.Bytes(),
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}
