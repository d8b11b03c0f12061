package handlers

import (
	"log/slog"

	"github.com/lorebot/lorebot/internal/bot"
	"github.com/lorebot/lorebot/internal/config"
	"github.com/lorebot/lorebot/internal/gemini"
	"github.com/lorebot/lorebot/internal/store"
)

// HandlerDeps provides dependencies for chat command and message handlers.
type HandlerDeps struct {
	Logger       *slog.Logger
	Config       *config.Config
	Store        store.Store
	AI           gemini.Client
	Orchestrator *bot.Orchestrator
}
