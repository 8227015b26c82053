package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lexiqai/livecaption/internal/config"
	"github.com/lexiqai/livecaption/internal/resilience"
)

const openAISystemPrompt = "You are a live caption translator. Translate the user's text from %s to %s. " +
	"Reply with the translation only, keeping it short and natural for subtitles."

// OpenAITranslator translates with a chat completion model
type OpenAITranslator struct {
	client openai.Client
	model  string
}

// NewOpenAITranslator creates a translator; baseURL may point to any compatible API
func NewOpenAITranslator(apiKey, model, baseURL string, opts ...option.RequestOption) *OpenAITranslator {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are driven by the dispatcher
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	return &OpenAITranslator{client: openai.NewClient(reqOpts...), model: model}
}

// Name implements Translator
func (o *OpenAITranslator) Name() string { return "openai" }

// Translate implements Translator
func (o *OpenAITranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(fmt.Sprintf(openAISystemPrompt, config.DisplayName(source), config.DisplayName(target))),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.StatusCode, fmt.Errorf("openai translate failed: %w", err))
		}
		if ctx.Err() != nil {
			return "", err
		}
		return "", resilience.NewRetryableError(fmt.Errorf("openai translate failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("openai returned an empty translation")
	}
	return out, nil
}
