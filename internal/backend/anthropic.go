package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultMaxTokens = 4096

// AnthropicConfig configures the Anthropic messages adapter.
type AnthropicConfig struct {
	// APIKey authenticates against the messages API.
	APIKey string

	// Model is the model identifier.
	Model string

	// MaxTokens is the default response bound when a request leaves it
	// unset.
	MaxTokens int

	// RequestsPerMinute rate-limits outgoing calls client-side. Zero
	// disables the limiter.
	RequestsPerMinute int
}

// Anthropic adapts the Anthropic messages API to the Backend interface.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	maxTok  int
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewAnthropic creates the adapter.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   anthropic.Model(cfg.Model),
		maxTok:  cfg.MaxTokens,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Identity returns the breaker identity for this backend.
func (a *Anthropic) Identity() string {
	return "anthropic/" + string(a.model)
}

func (a *Anthropic) params(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTok
	}
	model := a.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func (a *Anthropic) wait(ctx context.Context) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.Wait(ctx)
}

// Invoke performs a blocking messages call.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}

	msg, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		sb.WriteString(block.Text)
	}
	return &Result{Text: sb.String()}, nil
}

// Stream performs a streaming messages call, emitting text deltas as they
// arrive. emit errors stop consumption; the partial result is discarded.
func (a *Anthropic) Stream(ctx context.Context, req Request, emit ChunkFunc) (*Result, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}

	stream := a.client.Messages.NewStreaming(ctx, a.params(req))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if ev.Delta.Text == "" {
				continue
			}
			sb.WriteString(ev.Delta.Text)
			if emit != nil {
				if err := emit(ev.Delta.Text); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &Result{Text: sb.String()}, nil
}
