package classify

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nextlevelbuilder/mesabot/internal/config"
	"github.com/nextlevelbuilder/mesabot/internal/errkind"
)

// OpenAIModel is the secondary classifier side.
type OpenAIModel struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIModel builds the secondary model from config.
func NewOpenAIModel(cfg config.LLMConfig) *OpenAIModel {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &OpenAIModel{
		client:      openai.NewClient(cfg.APIKey),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temp),
	}
}

func (m *OpenAIModel) Name() string { return "openai/" + m.model }

// Classify sends one message and parses the JSON verdict.
func (m *OpenAIModel) Classify(ctx context.Context, text string) (Verdict, error) {
	req := openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(text)},
		},
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Verdict{Model: m.Name()}, errkind.Wrap(kindOfOpenAIError(err), err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{Model: m.Name()}, errkind.New(errkind.Transient, "openai: empty choice list")
	}
	return parseVerdict(m.Name(), resp.Choices[0].Message.Content)
}

// kindOfOpenAIError maps API failures onto the shared taxonomy: rate limits
// stay distinct, auth failures are terminal, the rest retries.
func kindOfOpenAIError(err error) errkind.Kind {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return errkind.RateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			return errkind.Authentication
		}
	}
	return errkind.Transient
}
