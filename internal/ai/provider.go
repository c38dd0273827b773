package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Supported providers.
const (
	ProviderArk    = "ark"
	ProviderGemini = "gemini"
)

// Models used when Config.Model is empty.
const (
	DefaultArkModel    = "doubao-seed-1-6-250615"
	DefaultGeminiModel = "gemini-2.5-flash"
)

// Config selects and configures a generation provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Region      string
	Temperature float64
	MaxTokens   int
}

// Generator produces reply text for a prompt and system instructions.
type Generator interface {
	Generate(ctx context.Context, promptText, system string) (string, error)
	Model() string
}

// Factory builds a generator for cfg.
type Factory func(ctx context.Context, cfg Config) (Generator, error)

// New builds the generator named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Generator, error) {
	switch cfg.Provider {
	case ProviderArk, "":
		return NewArkGenerator(ctx, cfg)
	case ProviderGemini:
		return NewGeminiGenerator(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

// Switchable is a generator whose model can be replaced at runtime.
type Switchable struct {
	mu      sync.RWMutex
	cfg     Config
	current Generator
	factory Factory
}

// NewSwitchable builds the initial generator with factory.
func NewSwitchable(ctx context.Context, cfg Config, factory Factory) (*Switchable, error) {
	if factory == nil {
		factory = New
	}
	g, err := factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Switchable{cfg: cfg, current: g, factory: factory}, nil
}

// Generate delegates to the current generator.
func (s *Switchable) Generate(ctx context.Context, promptText, system string) (string, error) {
	s.mu.RLock()
	g := s.current
	s.mu.RUnlock()
	return g.Generate(ctx, promptText, system)
}

// Model returns the active model name.
func (s *Switchable) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Model()
}

// SetModel rebuilds the generator for model. The previous generator stays
// active if the rebuild fails.
func (s *Switchable) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if model == "" || model == s.cfg.Model {
		return nil
	}

	cfg := s.cfg
	cfg.Model = model
	g, err := s.factory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("switch model to %s: %w", model, err)
	}

	slog.Info("AI model switched", "provider", cfg.Provider, "from", s.cfg.Model, "to", model)
	s.cfg = cfg
	s.current = g
	return nil
}

// Unconfigured is a generator used when no provider is set up. Every call
// fails with ErrAuth so replies resolve to the configuration fallback.
type Unconfigured struct{}

// Generate always fails.
func (Unconfigured) Generate(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("AI provider not configured: %w", ErrAuth)
}

// Model returns an empty name.
func (Unconfigured) Model() string { return "" }
