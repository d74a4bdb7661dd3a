// Package catalog holds the compiled-in model registry. Entries carry the
// provider routing tag, generation parameters for batch submission and the
// sentiment analysis defaults for answers produced by that model. The
// catalog is ordered and process-wide; per-workspace narrowing happens via
// billing profile allow-lists, never by mutating the catalog.
package catalog

import (
	"github.com/mentionlab/mentionlab/pkg/models"
)

// ModelStatus marks whether a model is still submitted to providers.
type ModelStatus string

const (
	// ModelStatusActive models are included in scheduled submissions
	ModelStatusActive ModelStatus = "active"
	// ModelStatusHistoric models are kept for display of old answers only
	ModelStatusHistoric ModelStatus = "historic"
)

// Params are generation parameters for a model call.
type Params struct {
	MaxTokens   int
	Temperature *float32
	TopP        *float32
}

// Model is one catalog entry.
type Model struct {
	ID          string
	DisplayName string
	Provider    models.ProviderTag
	Status      ModelStatus
	Generation  Params
	// ReasoningFamily models take max_completion_tokens and reject
	// sampling parameters (OpenAI o1 and successors).
	ReasoningFamily bool
	// SentimentModel analyzes answers produced by this model; its params
	// keep the verdict deterministic.
	SentimentModel  string
	SentimentParams Params
}

func f32(v float32) *float32 { return &v }

var entries = []Model{
	{
		ID:              "gpt-4o",
		DisplayName:     "GPT-4o",
		Provider:        models.ProviderOpenAI,
		Status:          ModelStatusActive,
		Generation:      Params{MaxTokens: 1024, Temperature: f32(0.7)},
		SentimentModel:  "gpt-4o-mini",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
	{
		ID:              "gpt-4o-mini",
		DisplayName:     "GPT-4o mini",
		Provider:        models.ProviderOpenAI,
		Status:          ModelStatusActive,
		Generation:      Params{MaxTokens: 1024, Temperature: f32(0.7)},
		SentimentModel:  "gpt-4o-mini",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
	{
		ID:              "o1-mini",
		DisplayName:     "o1-mini",
		Provider:        models.ProviderOpenAI,
		Status:          ModelStatusActive,
		Generation:      Params{MaxTokens: 4096},
		ReasoningFamily: true,
		SentimentModel:  "gpt-4o-mini",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
	{
		ID:              "gpt-3.5-turbo",
		DisplayName:     "GPT-3.5 Turbo",
		Provider:        models.ProviderOpenAI,
		Status:          ModelStatusHistoric,
		Generation:      Params{MaxTokens: 1024, Temperature: f32(0.7)},
		SentimentModel:  "gpt-4o-mini",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
	{
		ID:              "gemini-1.5-pro-002",
		DisplayName:     "Gemini 1.5 Pro",
		Provider:        models.ProviderVertex,
		Status:          ModelStatusActive,
		Generation:      Params{MaxTokens: 1024, Temperature: f32(0.7), TopP: f32(0.95)},
		SentimentModel:  "gemini-1.5-flash-002",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
	{
		ID:              "gemini-1.5-flash-002",
		DisplayName:     "Gemini 1.5 Flash",
		Provider:        models.ProviderVertex,
		Status:          ModelStatusActive,
		Generation:      Params{MaxTokens: 1024, Temperature: f32(0.7), TopP: f32(0.95)},
		SentimentModel:  "gemini-1.5-flash-002",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
	{
		ID:              "gemini-1.0-pro",
		DisplayName:     "Gemini 1.0 Pro",
		Provider:        models.ProviderVertex,
		Status:          ModelStatusHistoric,
		Generation:      Params{MaxTokens: 1024, Temperature: f32(0.7)},
		SentimentModel:  "gemini-1.5-flash-002",
		SentimentParams: Params{MaxTokens: 1024, Temperature: f32(0)},
	},
}

var byID = func() map[string]*Model {
	m := make(map[string]*Model, len(entries))
	for i := range entries {
		m[entries[i].ID] = &entries[i]
	}
	return m
}()

// All returns every catalog entry in display order.
func All() []Model {
	out := make([]Model, len(entries))
	copy(out, entries)
	return out
}

// ByID looks a model up; ok is false for unknown ids.
func ByID(id string) (Model, bool) {
	m, ok := byID[id]
	if !ok {
		return Model{}, false
	}
	return *m, true
}

// DisplayName returns the catalog display name, falling back to the raw id
// for models that predate the catalog.
func DisplayName(id string) string {
	if m, ok := byID[id]; ok {
		return m.DisplayName
	}
	return id
}

// Active returns active entries in catalog order.
func Active() []Model {
	var out []Model
	for _, m := range entries {
		if m.Status == ModelStatusActive {
			out = append(out, m)
		}
	}
	return out
}

// ActiveByProvider groups active entries by provider tag, preserving
// catalog order within each group.
func ActiveByProvider() map[models.ProviderTag][]Model {
	out := make(map[models.ProviderTag][]Model)
	for _, m := range Active() {
		out[m.Provider] = append(out[m.Provider], m)
	}
	return out
}

// ActiveIDs returns the ids of all active entries.
func ActiveIDs() []string {
	var out []string
	for _, m := range Active() {
		out = append(out, m.ID)
	}
	return out
}
