package classify

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// AnthropicModel is the primary classifier side.
type AnthropicModel struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropicModel builds the primary model from config. The API key falls
// back to ANTHROPIC_API_KEY via the SDK default when unset.
func NewAnthropicModel(cfg config.LLMConfig) *AnthropicModel {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicModel{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temp,
	}
}

func (m *AnthropicModel) Name() string { return "anthropic/" + m.model }

// Classify sends one message and parses the JSON verdict.
func (m *AnthropicModel) Classify(ctx context.Context, text string) (Verdict, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.model),
		MaxTokens: m.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(text))),
		},
	}
	if m.temperature > 0 {
		params.Temperature = anthropic.Float(m.temperature)
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{Model: m.Name()}, errkind.Wrap(errkind.Transient, ctx.Err())
		}
		return Verdict{Model: m.Name()}, errkind.Wrap(errkind.Transient, err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(tb.Text)
		}
	}
	return parseVerdict(m.Name(), out.String())
}
