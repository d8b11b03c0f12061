// Package gemini implements the Gemini API integration: text embedding for
// the retrieval pipeline and reply generation for the conversation loop.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/lorebot/lorebot/internal/config"
	"github.com/lorebot/lorebot/internal/memory"
)

// ErrProvider marks failures originating in the AI provider (transport,
// quota, safety blocks, empty candidates). Callers classify with errors.Is.
var ErrProvider = errors.New("ai provider error")

// Client defines the AI operations used by the rest of the application.
type Client interface {
	// Embed returns the embedding vector for text. Empty or whitespace-only
	// input yields a nil vector and no error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Generate produces a reply from a system instruction, prior
	// conversation turns, and the final user prompt.
	Generate(ctx context.Context, system string, history []memory.Turn, prompt string) (string, error)
}

type sdkClient struct {
	genaiClient    *genai.Client
	log            *slog.Logger
	contentConfig  *genai.GenerateContentConfig
	modelName      string
	embeddingModel string
	maxRetries     int
	retryDelay     time.Duration
}

// NewClient creates a Gemini client from the provided configuration.
func NewClient(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature: &cfg.Temperature,

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	logger := log.With("component", "gemini_client")
	logger.Info("Gemini client initialized", "model", cfg.ModelName, "embedding_model", cfg.EmbeddingModel)
	return &sdkClient{
		genaiClient:    gi,
		log:            logger,
		contentConfig:  baseCfg,
		modelName:      cfg.ModelName,
		embeddingModel: cfg.EmbeddingModel,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}, nil
}

func (c *sdkClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	var resp *genai.EmbedContentResponse
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.EmbedContent(ctx, c.embeddingModel, contents, nil)
		if err == nil {
			break
		}
		if !isRetriable(err) || i == c.maxRetries {
			c.log.ErrorContext(ctx, "Gemini embedding failed", "attempt", i+1, "error", err)
			return nil, fmt.Errorf("%w: embed content: %w", ErrProvider, err)
		}
		c.log.WarnContext(ctx, "Gemini embedding failed, retrying", "attempt", i+1, "delay", c.retryDelay, "error", err)
		time.Sleep(c.retryDelay)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("%w: embed content returned no values", ErrProvider)
	}
	return resp.Embeddings[0].Values, nil
}

func (c *sdkClient) Generate(ctx context.Context, system string, history []memory.Turn, prompt string) (string, error) {
	c.log.DebugContext(ctx, "Generating reply", "history_turns", len(history), "prompt_len", len(prompt))

	var contents []*genai.Content
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if turn.Role == memory.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	copyCfg := *c.contentConfig
	if system != "" {
		copyCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		return "", err
	}
	return c.extractTextFromResponse(ctx, resp)
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		if isRetriable(err) && i < c.maxRetries {
			c.log.WarnContext(ctx, "Gemini API call failed, retrying", "attempt", i+1, "max_retries", c.maxRetries, "delay", c.retryDelay, "error", err)
			time.Sleep(c.retryDelay)
			continue
		}

		c.log.ErrorContext(ctx, "Gemini API call failed", "attempt", i+1, "error", err)
		return nil, fmt.Errorf("%w: generate content: %w", ErrProvider, err)
	}
	return nil, fmt.Errorf("%w: generate content: %w", ErrProvider, err)
}

// isRetriable reports whether err is a transient server-side API failure.
func isRetriable(err error) bool {
	var apiErr *genai.APIError
	return errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503)
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reasonMsg := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reasonMsg = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "reason", reasonMsg)
		return "", fmt.Errorf("%w: blocked by safety filter: %s", ErrProvider, reasonMsg)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing candidates or content", "finish_reason", finishReason)
		return "", fmt.Errorf("%w: no content returned, finish reason: %s", ErrProvider, finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response text", ErrProvider)
	}
	return text, nil
}
