// Package main contains the entrypoint for the LoreBot chat bot.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"

	"github.com/lorebot/lorebot/internal/backfill"
	"github.com/lorebot/lorebot/internal/bot"
	"github.com/lorebot/lorebot/internal/bot/handlers"
	"github.com/lorebot/lorebot/internal/bot/tasks"
	"github.com/lorebot/lorebot/internal/config"
	"github.com/lorebot/lorebot/internal/gemini"
	"github.com/lorebot/lorebot/internal/logger"
	"github.com/lorebot/lorebot/internal/memory"
	"github.com/lorebot/lorebot/internal/prompt"
	"github.com/lorebot/lorebot/internal/retrieval"
	"github.com/lorebot/lorebot/internal/store"
	"github.com/lorebot/lorebot/internal/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, starts the bot (or a one-shot backfill),
// and returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	backfillPath := flag.String("backfill", "", "Ingest a JSON file of historical messages and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := store.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer store.CloseDB(db)
	st := store.NewStore(db, log, cfg.Database.CandidateLimit)

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	if *backfillPath != "" {
		return runBackfill(ctx, log, st, gemClient, cfg, *backfillPath)
	}

	history := memory.New(cfg.Conversation.MaxTurns)
	engine := retrieval.NewEngine(st, gemClient, log)
	composer := prompt.NewComposer(cfg.Prompt.Budget)
	cooldown := bot.NewCooldown(cfg.Conversation.CooldownInterval)

	orchestrator := bot.NewOrchestrator(st, gemClient, engine, composer, history, cooldown, log, bot.OrchestratorOptions{
		Scope:           memory.Scope(cfg.Conversation.Scope),
		Preamble:        cfg.Gemini.SystemInstruction,
		RetrievalLimit:  cfg.Retrieval.Limit,
		RetrievalWindow: cfg.Retrieval.Window,
	})

	hDeps := handlers.HandlerDeps{
		Logger:       log,
		Config:       cfg,
		Store:        st,
		AI:           gemClient,
		Orchestrator: orchestrator,
	}
	tDeps := tasks.TaskDeps{
		Logger: log,
		Store:  st,
		Config: cfg,
	}

	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(handlers.NewChatHandler(hDeps)),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}

	cfg.Telegram.BotInfo, err = tg.GetMe(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", cfg.Telegram.BotInfo.ID, "bot_username", cfg.Telegram.BotInfo.Username)

	if err := telegram.RegisterHandlers(tg, log, handlers.RegisterAllCommands(hDeps)); err != nil {
		log.Error("Failed to register chat handlers", "error", err)
		return 1
	}

	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}
	app := bot.NewBot(log, tg, sched)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}

func runBackfill(ctx context.Context, log *slog.Logger, st store.Store, gemClient gemini.Client, cfg *config.Config, path string) int {
	records, err := backfill.LoadRecords(path)
	if err != nil {
		log.Error("Failed to load backfill records", "path", path, "error", err)
		return 1
	}

	runner := backfill.NewRunner(st, gemClient, cfg.Backfill, log)
	stats, err := runner.Run(ctx, records)
	if err != nil {
		log.Error("Backfill failed", "error", err,
			"ingested", stats.Ingested, "skipped", stats.Skipped, "failed", stats.Failed)
		return 1
	}

	log.Info("Backfill complete", "ingested", stats.Ingested, "skipped", stats.Skipped, "failed", stats.Failed)
	return 0
}
