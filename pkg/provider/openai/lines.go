package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
)

// buildRequestLines renders the JSONL input file for one batch. Reasoning
// family models (o1 and successors) take max_completion_tokens and reject
// sampling parameters, so those fields swap based on the catalog entry.
func buildRequestLines(model catalog.Model, requests []provider.Request) ([]byte, error) {
	var buf bytes.Buffer
	for _, req := range requests {
		body := openai.ChatCompletionRequest{
			Model: model.ID,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
			},
		}
		if model.ReasoningFamily {
			body.MaxCompletionTokens = model.Generation.MaxTokens
		} else {
			body.MaxTokens = model.Generation.MaxTokens
			if model.Generation.Temperature != nil {
				body.Temperature = *model.Generation.Temperature
			}
			if model.Generation.TopP != nil {
				body.TopP = *model.Generation.TopP
			}
		}

		line, err := json.Marshal(openai.BatchChatCompletionRequest{
			CustomID: req.CustomID,
			Body:     body,
			Method:   "POST",
			URL:      openai.BatchEndpointChatCompletions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request line %s: %w", req.CustomID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// outputLine is one line of the batch output file.
type outputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int            `json:"status_code"`
		Body       map[string]any `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseOutputLines normalizes the downloaded JSONL output.
func parseOutputLines(raw []byte) ([]models.BatchResult, error) {
	var results []models.BatchResult
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var out outputLine
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			return nil, fmt.Errorf("failed to parse output line %d: %w", i+1, err)
		}

		result := models.BatchResult{CustomID: out.CustomID}
		if out.Response != nil {
			result.StatusCode = out.Response.StatusCode
			result.Body = out.Response.Body
		}
		if out.Error != nil {
			msg := out.Error.Message
			if out.Error.Code != "" {
				msg = out.Error.Code + ": " + msg
			}
			result.Error = &msg
		}
		results = append(results, result)
	}
	return results, nil
}
