package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"rehoboam/internal/logging"
)

const systemPrompt = "You are a market surveillance analyst. Answer with a single JSON object matching the requested schema and nothing else."

// OpenAIOptions parameterise the OpenAI completer.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI sends prompts to a chat completion endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAI wraps the go-openai client.
func NewOpenAI(opts OpenAIOptions, logger zerolog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if base := strings.TrimRight(opts.BaseURL, "/"); base != "" {
		cfg.BaseURL = base
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logging.Component(logger, "openai_completer"),
	}
}

// Complete sends the prompt with vars attached as a JSON context message.
func (o *OpenAI) Complete(ctx context.Context, prompt string, vars map[string]any) (Completion, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if len(vars) > 0 {
		payload, err := json.Marshal(vars)
		if err != nil {
			return Completion{}, fmt.Errorf("marshal prompt context: %w", err)
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Context: " + string(payload),
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	o.logger.Debug().Int("prompt_len", len(prompt)).Msg("sending completion request")

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("openai returned empty choices")
	}

	return Completion{Content: resp.Choices[0].Message.Content, Model: resp.Model}, nil
}

var _ Completer = (*OpenAI)(nil)
