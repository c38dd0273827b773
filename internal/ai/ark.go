package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// ChainGenerator runs a system + user prompt through an eino chat chain.
type ChainGenerator struct {
	model string
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArkGenerator builds a generator backed by a Volcengine Ark chat model.
func NewArkGenerator(ctx context.Context, cfg Config) (*ChainGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: ark api key is required", ErrAuth)
	}

	if cfg.Model == "" {
		cfg.Model = DefaultArkModel
	}

	temperature := float32(cfg.Temperature)
	maxTokens := cfg.MaxTokens
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}

	return NewChainGenerator(ctx, cfg.Model, chatModel)
}

// NewChainGenerator compiles a chat chain around chatModel.
func NewChainGenerator(ctx context.Context, modelName string, chatModel model.BaseChatModel) (*ChainGenerator, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile chat chain: %w", err)
	}

	return &ChainGenerator{model: modelName, chain: runnable}, nil
}

// Generate implements the queue generator contract.
func (g *ChainGenerator) Generate(ctx context.Context, promptText, system string) (string, error) {
	resp, err := g.chain.Invoke(ctx, map[string]any{
		"system": system,
		"query":  promptText,
	})
	if err != nil {
		return "", wrap("run chat chain", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", wrap("run chat chain", errors.New("empty response"))
	}
	return resp.Content, nil
}

// Model returns the configured model name.
func (g *ChainGenerator) Model() string {
	return g.model
}
