package vertex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
)

// requestLine is one JSONL instance for a Gemini batch prediction job. The
// custom_id is not part of the request schema; Vertex echoes unknown
// instance fields into the matching output line, which is how results are
// correlated back to prompts.
type requestLine struct {
	CustomID string         `json:"custom_id"`
	Request  map[string]any `json:"request"`
}

// outputLine is one prediction line. Successful lines carry a response
// document, failed ones a status message.
type outputLine struct {
	CustomID string         `json:"custom_id"`
	Response map[string]any `json:"response"`
	Status   any            `json:"status"`
}

func generationConfig(p catalog.Params) map[string]any {
	cfg := map[string]any{"maxOutputTokens": p.MaxTokens}
	if p.Temperature != nil {
		cfg["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		cfg["topP"] = *p.TopP
	}
	return cfg
}

func buildRequestLines(model catalog.Model, requests []provider.Request) ([]byte, error) {
	var buf bytes.Buffer
	for _, req := range requests {
		line := requestLine{
			CustomID: req.CustomID,
			Request: map[string]any{
				"contents": []map[string]any{
					{
						"role":  "user",
						"parts": []map[string]any{{"text": req.Prompt}},
					},
				},
				"generationConfig": generationConfig(model.Generation),
			},
		}
		raw, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request line %s: %w", req.CustomID, err)
		}
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// modelParameters mirrors the generation config at the job level. Gemini
// honors the per-line config; older publisher models only read these.
func modelParameters(model catalog.Model) (*structpb.Value, error) {
	raw := make(map[string]any, 3)
	for k, v := range generationConfig(model.Generation) {
		raw[k] = v
	}
	// structpb only accepts JSON-native scalar types.
	if n, ok := raw["maxOutputTokens"].(int); ok {
		raw["maxOutputTokens"] = float64(n)
	}
	if t, ok := raw["temperature"].(float32); ok {
		raw["temperature"] = float64(t)
	}
	if t, ok := raw["topP"].(float32); ok {
		raw["topP"] = float64(t)
	}
	params, err := structpb.NewValue(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build model parameters for %s: %w", model.ID, err)
	}
	return params, nil
}

func parseOutputLines(object string, raw []byte) ([]models.BatchResult, error) {
	var results []models.BatchResult
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var parsed outputLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse prediction line %d of %s: %w", i+1, object, err)
		}

		result := models.BatchResult{CustomID: parsed.CustomID}
		switch {
		case parsed.Response != nil:
			result.StatusCode = 200
			result.Body = parsed.Response
		default:
			result.StatusCode = 500
			msg := fmt.Sprintf("%v", parsed.Status)
			if parsed.Status == nil || msg == "" {
				msg = "prediction line has no response"
			}
			result.Error = &msg
		}
		results = append(results, result)
	}
	return results, nil
}
