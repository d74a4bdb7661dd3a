package vertex

import (
	"context"
	"fmt"

	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"

	"github.com/mentionlab/mentionlab/pkg/catalog"
)

// AnalyzeSentiment runs one synchronous GenerateContent call against the
// regional endpoint and returns the raw reply text.
func (p *Provider) AnalyzeSentiment(ctx context.Context, model string, params catalog.Params, prompt string) (string, error) {
	gen := &aiplatformpb.GenerationConfig{}
	if params.MaxTokens > 0 {
		n := int32(params.MaxTokens)
		gen.MaxOutputTokens = &n
	}
	if params.Temperature != nil {
		t := *params.Temperature
		gen.Temperature = &t
	}
	if params.TopP != nil {
		t := *params.TopP
		gen.TopP = &t
	}

	req := &aiplatformpb.GenerateContentRequest{
		Model: fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", p.project, p.region, model),
		Contents: []*aiplatformpb.Content{
			{
				Role:  "user",
				Parts: []*aiplatformpb.Part{{Data: &aiplatformpb.Part_Text{Text: prompt}}},
			},
		},
		GenerationConfig: gen,
	}

	resp, err := p.gen.GenerateContent(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to generate sentiment with %s: %w", model, err)
	}

	candidates := resp.GetCandidates()
	if len(candidates) == 0 {
		return "", fmt.Errorf("sentiment response from %s has no candidates", model)
	}
	var text string
	for _, part := range candidates[0].GetContent().GetParts() {
		text += part.GetText()
	}
	if text == "" {
		return "", fmt.Errorf("sentiment response from %s has no text", model)
	}
	return text, nil
}
