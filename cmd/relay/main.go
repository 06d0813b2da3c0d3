package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopvoice/relay/internal/httpx"
	"github.com/shopvoice/relay/internal/llm"
	"github.com/shopvoice/relay/internal/pipeline"
	"github.com/shopvoice/relay/internal/session"
	"github.com/shopvoice/relay/internal/shopify"
	"github.com/shopvoice/relay/internal/store"
	"github.com/shopvoice/relay/internal/stt"
	"github.com/shopvoice/relay/internal/trace"
	"github.com/shopvoice/relay/internal/tts"
	"github.com/shopvoice/relay/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	db, err := store.New(store.Config{URL: cfg.supabaseURL, APIKey: cfg.supabaseKey})
	if err != nil {
		slog.Error("supabase init failed", "error", err)
		os.Exit(1)
	}

	var traceStore *trace.Store
	if cfg.traceDB != "" {
		traceStore, err = trace.Open(cfg.traceDB)
		if err != nil {
			slog.Warn("trace store unavailable, continuing without", "error", err)
		} else {
			defer traceStore.Close()
			slog.Info("trace store enabled")
		}
	}

	sttClient := stt.NewClient(stt.Config{
		APIKey:         cfg.deepgramAPIKey,
		BaseURL:        cfg.deepgramBaseURL,
		EndpointingMs:  cfg.deepgramEndpointMs,
		ConnectTimeout: cfg.sttConnectTimeout,
	})

	llmClient := llm.NewOpenAIClient(llm.Config{
		APIKey:      cfg.openaiAPIKey,
		Model:       cfg.openaiModel,
		MaxTokens:   cfg.llmMaxTokens,
		Temperature: cfg.llmTemperature,
	})

	ttsClient := tts.NewElevenLabs(tts.Config{
		APIKey:       cfg.elevenlabsAPIKey,
		ModelID:      cfg.elevenlabsModelID,
		DefaultVoice: cfg.elevenlabsVoiceID,
		ChunkBytes:   cfg.ttsChunkBytes,
	}, httpx.NewPooledClient(cfg.ttsPoolSize, 60*time.Second))

	orders := shopify.NewClient(httpx.NewPooledClient(cfg.ordersPoolSize, 30*time.Second))

	handler := ws.NewHandler(ws.HandlerConfig{
		Tenants:  db,
		Registry: session.NewRegistry(),
		Pipeline: pipeline.Config{
			LLM:           llmClient,
			TTS:           ttsClient,
			Orders:        orders,
			Store:         db,
			HistoryWindow: cfg.historyWindow,
		},
		DialSTT: func(ctx context.Context) (ws.TranscriptStream, error) {
			return sttClient.Connect(ctx)
		},
		TraceStore:    traceStore,
		MaxConcurrent: cfg.maxConcurrentSessions,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{wsHandler: handler})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("relay starting", "addr", addr, "max_concurrent", cfg.maxConcurrentSessions)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("relay stopped")
}
