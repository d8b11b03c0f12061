// Package config provides configuration loading, validation, and defaults
// for the LoreBot application. Configuration is read from a YAML file with
// BOT_* environment variable overrides, then validated.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-telegram/bot/models"
	"github.com/spf13/viper"
)

// Config holds all application configuration, grouped by component.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Gemini       GeminiConfig       `mapstructure:"gemini"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Retrieval    RetrievalConfig    `mapstructure:"retrieval"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Prompt       PromptConfig       `mapstructure:"prompt"`
	Backfill     BackfillConfig     `mapstructure:"backfill"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Messages     MessagesConfig     `mapstructure:"messages"`
}

// MessagesConfig holds user-facing reply templates.
type MessagesConfig struct {
	Welcome         string `mapstructure:"welcome"`
	Help            string `mapstructure:"help"`
	Unauthorized    string `mapstructure:"unauthorized"`
	GeneralError    string `mapstructure:"general_error"`
	EmptyFallback   string `mapstructure:"empty_fallback"`
	OptOutConfirm   string `mapstructure:"opt_out_confirm"`
	OptInConfirm    string `mapstructure:"opt_in_confirm"`
	ResetConfirm    string `mapstructure:"reset_confirm"`
	ForgetConfirm   string `mapstructure:"forget_confirm"`
	ForgetUsage     string `mapstructure:"forget_usage"`
	MaintenanceDone string `mapstructure:"maintenance_done"`
}

// LoggerConfig controls structured logging output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// TelegramConfig holds chat transport settings. BotInfo is populated at
// runtime after the bot identifies itself, not from the config file.
type TelegramConfig struct {
	Token   string       `mapstructure:"token"    validate:"required"`
	AdminID int64        `mapstructure:"admin_id" validate:"required,gt=0"`
	BotInfo *models.User `mapstructure:"-"`
}

// GeminiConfig holds settings for the Gemini API client.
type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"         validate:"required"`
	ModelName         string  `mapstructure:"model_name"      validate:"required"`
	EmbeddingModel    string  `mapstructure:"embedding_model" validate:"required"`
	SystemInstruction string  `mapstructure:"system_instruction"`
	Temperature       float32 `mapstructure:"temperature"     validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries"     validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=1,max=60"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
	// CandidateLimit bounds how many recent scoped rows are ranked per
	// similarity query.
	CandidateLimit int `mapstructure:"candidate_limit" validate:"min=10,max=100000"`
}

// RetrievalConfig controls context retrieval.
type RetrievalConfig struct {
	Limit  int `mapstructure:"limit"  validate:"min=1,max=100"`
	Window int `mapstructure:"window" validate:"min=0,max=20"`
}

// ConversationConfig controls in-process conversation memory.
// Scope decides how conversation keys are composed; "channel_user" keeps a
// separate history per user per channel.
type ConversationConfig struct {
	Scope            string        `mapstructure:"scope"     validate:"oneof=channel_user user channel"`
	MaxTurns         int           `mapstructure:"max_turns" validate:"min=2,max=200"`
	CooldownInterval time.Duration `mapstructure:"cooldown_interval" validate:"min=0,max=10m"`
}

// PromptConfig controls prompt assembly.
type PromptConfig struct {
	Budget int `mapstructure:"budget" validate:"min=1000,max=1000000"`
}

// BackfillConfig controls bulk history ingestion.
type BackfillConfig struct {
	BatchSize        int           `mapstructure:"batch_size"         validate:"min=1,max=1000"`
	BatchDelay       time.Duration `mapstructure:"batch_delay"        validate:"min=0,max=5m"`
	EmbedsPerSecond  float64       `mapstructure:"embeds_per_second"  validate:"gt=0"`
	EmbedBurst       int           `mapstructure:"embed_burst"        validate:"min=1,max=100"`
}

// SchedulerConfig holds scheduled task definitions keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig configures a single scheduled task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// LoadConfig reads configuration from the given YAML file path, applies
// defaults and environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("gemini.model_name", "gemini-2.5-flash")
	v.SetDefault("gemini.embedding_model", "text-embedding-004")
	v.SetDefault("gemini.system_instruction", "You are LoreBot, a chat assistant with memory of the conversation history in this community. Answer using the provided context when it is relevant, and say so plainly when you don't know. Keep replies short and conversational.")
	v.SetDefault("gemini.temperature", 0.7)
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.retry_delay_seconds", 2)

	v.SetDefault("database.path", "storage.db")
	v.SetDefault("database.candidate_limit", 1000)

	v.SetDefault("retrieval.limit", 10)
	v.SetDefault("retrieval.window", 3)

	v.SetDefault("conversation.scope", "channel_user")
	v.SetDefault("conversation.max_turns", 20)
	v.SetDefault("conversation.cooldown_interval", 10*time.Second)

	v.SetDefault("prompt.budget", 24000)

	v.SetDefault("backfill.batch_size", 50)
	v.SetDefault("backfill.batch_delay", 2*time.Second)
	v.SetDefault("backfill.embeds_per_second", 5.0)
	v.SetDefault("backfill.embed_burst", 5)

	v.SetDefault("scheduler.tasks.sql_maintenance.enabled", true)
	v.SetDefault("scheduler.tasks.sql_maintenance.schedule", "0 0 4 * * *")

	v.SetDefault("messages.welcome", "Hello! Mention @botname or reply to me and I'll answer using what I remember of this chat.")
	v.SetDefault("messages.help", "Mention @botname with a question to get a reply.\n/optout stops me from storing your messages (and hides the old ones).\n/optin turns storage back on.\n/reset clears our current conversation.")
	v.SetDefault("messages.unauthorized", "Sorry, that command is admin-only.")
	v.SetDefault("messages.general_error", "Something went wrong, please try again later.")
	v.SetDefault("messages.empty_fallback", "I don't have a response to that, could you rephrase?")
	v.SetDefault("messages.opt_out_confirm", "Understood. I will no longer store your messages, and your existing ones are hidden.")
	v.SetDefault("messages.opt_in_confirm", "Welcome back. I'll store your messages again from now on.")
	v.SetDefault("messages.reset_confirm", "Our conversation has been reset.")
	v.SetDefault("messages.forget_confirm", "That message has been forgotten.")
	v.SetDefault("messages.forget_usage", "Reply to the message you want me to forget with /forget.")
	v.SetDefault("messages.maintenance_done", "Database maintenance completed.")
}
