// Package tasks implements scheduled background tasks for the bot.
package tasks

import (
	"log/slog"

	"github.com/lorebot/lorebot/internal/config"
	"github.com/lorebot/lorebot/internal/store"
)

// TaskDeps contains the dependencies available to scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  store.Store
	Config *config.Config
}
