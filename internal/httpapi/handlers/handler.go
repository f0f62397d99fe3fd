package handlers

import (
	"context"

	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/ai"
	"github.com/haowen-zh/chat-relay/internal/chat"
	"github.com/haowen-zh/chat-relay/internal/config"
	"github.com/haowen-zh/chat-relay/internal/stream"
)

type Handler struct {
	Cfg     config.Config
	Repo    *chat.Repo
	Orc     *stream.Orchestrator
	Streams stream.Buffer
}

func NewHandler(db *gorm.DB, cfg config.Config, buffer stream.Buffer, limiter stream.RateLimiter, publisher stream.TerminalPublisher) *Handler {
	repo := chat.NewRepo(db)

	reg := ai.NewRegistry()

	// shared-credential path: the deployment's key, optionally overridden
	// by caller material
	reg.Register("openrouter", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		key := apiKey
		if key == "" {
			key = cfg.OpenRouterAPIKey
		}
		if key == "" {
			return nil, ai.ErrNotConfigured
		}
		m := model
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, key, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	// bring-your-own-key path: caller material is mandatory
	reg.Register("openrouter-byok", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		if apiKey == "" {
			return nil, &ai.AuthError{Msg: "credentialMaterial is required for this provider"}
		}
		m := model
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, apiKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	reg.Register("ollama", func(ctx context.Context, model, apiKey string) (ai.Provider, error) {
		m := model
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	tools := []ai.Tool{ai.NewWebSearchTool()}

	orc := stream.NewOrchestrator(repo, reg, buffer, limiter, publisher, tools, stream.Tunables{
		BufferTTL:       cfg.StreamBufferTTL,
		CheckpointEvery: cfg.StreamCheckpointEvery,
		PollInterval:    cfg.StreamPollInterval,
		MaxToolSteps:    cfg.StreamMaxToolSteps,
		ContextWindow:   cfg.ChatContextWindowSize,
	})

	return &Handler{Cfg: cfg, Repo: repo, Orc: orc, Streams: buffer}
}
