package openai

import (
	"encoding/json"
	"fmt"

	"github.com/mentionlab/mentionlab/pkg/provider"
)

// chatBody is the slice of a chat completion response the extractor needs.
// Legacy completion-style lines carry the text on the choice itself.
type chatBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// ExtractText pulls the answer out of an OpenAI-shaped result body:
// choices[0].message.content, falling back to choices[0].text.
func (p *Provider) ExtractText(body map[string]any) (*provider.Extraction, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode result body: %w", err)
	}
	var parsed chatBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse result body: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("result body has no choices")
	}
	text := parsed.Choices[0].Message.Content
	if text == "" {
		text = parsed.Choices[0].Text
	}
	if text == "" {
		return nil, fmt.Errorf("result body has no message content or text")
	}

	return &provider.Extraction{
		Text:        text,
		TotalTokens: parsed.Usage.TotalTokens,
	}, nil
}
