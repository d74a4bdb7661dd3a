package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mentionlab/mentionlab/pkg/catalog"
)

// AnalyzeSentiment runs one synchronous chat completion against the
// analyzer model and returns the raw reply text.
func (p *Provider) AnalyzeSentiment(ctx context.Context, model string, params catalog.Params, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: params.MaxTokens,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sentiment completion with %s failed: %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("sentiment completion with %s returned no choices", model)
	}
	return resp.Choices[0].Message.Content, nil
}
