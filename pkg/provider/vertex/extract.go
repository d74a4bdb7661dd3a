package vertex

import (
	"encoding/json"
	"fmt"

	"github.com/mentionlab/mentionlab/pkg/provider"
)

// geminiBody is the slice of a GenerateContent response the processor
// needs: the first candidate's text and the token count.
type geminiBody struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ExtractText pulls the answer text out of a stored Gemini response body.
func (p *Provider) ExtractText(body map[string]any) (*provider.Extraction, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode result body: %w", err)
	}
	var parsed geminiBody
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse result body: %w", err)
	}

	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("result body has no candidates")
	}
	candidate := parsed.Candidates[0]
	var text string
	for _, part := range candidate.Content.Parts {
		text += part.Text
	}
	if text == "" {
		if candidate.FinishReason != "" {
			return nil, fmt.Errorf("candidate has no text (finish reason %s)", candidate.FinishReason)
		}
		return nil, fmt.Errorf("candidate has no text parts")
	}

	return &provider.Extraction{
		Text:        text,
		TotalTokens: parsed.UsageMetadata.TotalTokenCount,
	}, nil
}
