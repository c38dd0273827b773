package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"api key", errors.New("Invalid API key provided"), ErrAuth},
		{"unauthorized", errors.New("status 401 Unauthorized"), ErrAuth},
		{"rate limit", errors.New("Rate limit exceeded"), ErrRateLimit},
		{"429", errors.New("http status 429"), ErrRateLimit},
		{"network", errors.New("network unreachable"), ErrNetwork},
		{"timeout", errors.New("request timeout"), ErrNetwork},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrNetwork},
		{"wrapped sentinel", fmt.Errorf("x: %w", ErrRateLimit), ErrRateLimit},
		{"other", errors.New("model exploded"), ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("too many requests")
	err := wrap("generate", cause)
	if !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected rate limit class, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected original cause to be preserved, got %v", err)
	}
}

type fakeChatModel struct {
	reply string
	err   error
	input []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(f.reply, nil)}), nil
}

func (f *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestChainGeneratorRendersPrompt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fake := &fakeChatModel{reply: "hi there"}
	g, err := NewChainGenerator(ctx, "test-model", fake)
	if err != nil {
		t.Fatalf("NewChainGenerator: %v", err)
	}

	got, err := g.Generate(ctx, "hello", "be nice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "hi there" {
		t.Errorf("expected reply %q, got %q", "hi there", got)
	}
	if len(fake.input) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(fake.input))
	}
	if fake.input[0].Role != schema.System || fake.input[0].Content != "be nice" {
		t.Errorf("unexpected system message %+v", fake.input[0])
	}
	if fake.input[1].Role != schema.User || fake.input[1].Content != "hello" {
		t.Errorf("unexpected user message %+v", fake.input[1])
	}
	if g.Model() != "test-model" {
		t.Errorf("unexpected model %q", g.Model())
	}
}

func TestChainGeneratorClassifiesErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g, err := NewChainGenerator(ctx, "m", &fakeChatModel{err: errors.New("rate limit reached")})
	if err != nil {
		t.Fatalf("NewChainGenerator: %v", err)
	}
	if _, err := g.Generate(ctx, "hello", ""); !errors.Is(err, ErrRateLimit) {
		t.Errorf("expected rate limit error, got %v", err)
	}

	g, err = NewChainGenerator(ctx, "m", &fakeChatModel{reply: "   "})
	if err != nil {
		t.Fatalf("NewChainGenerator: %v", err)
	}
	if _, err := g.Generate(ctx, "hello", ""); !errors.Is(err, ErrUnknown) {
		t.Errorf("expected unknown error for empty reply, got %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for _, provider := range []string{ProviderArk, ProviderGemini} {
		if _, err := New(ctx, Config{Provider: provider, Model: "m"}); !errors.Is(err, ErrAuth) {
			t.Errorf("%s: expected auth error without key, got %v", provider, err)
		}
	}
	if _, err := New(ctx, Config{Provider: "nope", APIKey: "k"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewFillsProviderDefaultModel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		provider string
		want     string
	}{
		{ProviderArk, DefaultArkModel},
		{"", DefaultArkModel},
		{ProviderGemini, DefaultGeminiModel},
	}
	for _, tt := range tests {
		g, err := New(ctx, Config{Provider: tt.provider, APIKey: "test-key"})
		if err != nil {
			t.Fatalf("%q: New() error = %v", tt.provider, err)
		}
		if g.Model() != tt.want {
			t.Errorf("%q: Model() = %q, want %q", tt.provider, g.Model(), tt.want)
		}
	}

	g, err := New(ctx, Config{Provider: ProviderGemini, APIKey: "test-key", Model: "gemini-2.0-flash"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if g.Model() != "gemini-2.0-flash" {
		t.Errorf("Model() = %q, want explicit model kept", g.Model())
	}
}

type staticGenerator struct{ model string }

func (s staticGenerator) Generate(context.Context, string, string) (string, error) {
	return "from " + s.model, nil
}
func (s staticGenerator) Model() string { return s.model }

func TestSwitchableSetModel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := func(_ context.Context, cfg Config) (Generator, error) {
		if cfg.Model == "broken" {
			return nil, errors.New("unknown model")
		}
		return staticGenerator{model: cfg.Model}, nil
	}

	s, err := NewSwitchable(ctx, Config{Provider: ProviderArk, Model: "a"}, factory)
	if err != nil {
		t.Fatalf("NewSwitchable: %v", err)
	}

	if err := s.SetModel(ctx, "b"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	got, _ := s.Generate(ctx, "p", "s")
	if got != "from b" || s.Model() != "b" {
		t.Errorf("expected model b to be active, got %q / %q", got, s.Model())
	}

	if err := s.SetModel(ctx, "broken"); err == nil {
		t.Fatal("expected switch to broken model to fail")
	}
	if s.Model() != "b" {
		t.Errorf("expected previous model to stay active, got %q", s.Model())
	}
}

func TestUnconfiguredFailsAsAuth(t *testing.T) {
	t.Parallel()

	_, err := Unconfigured{}.Generate(context.Background(), "hi", "")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Generate() error = %v, want ErrAuth", err)
	}
	if Classify(err) != ErrAuth {
		t.Fatalf("Classify() = %v, want ErrAuth", Classify(err))
	}
}
