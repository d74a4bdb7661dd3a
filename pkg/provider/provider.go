// Package provider defines the batch inference surface the orchestrator
// speaks to every LLM vendor through: submit a file of prompt/model request
// lines, poll for completion, fetch normalized result lines and extract
// answer text, plus the synchronous sentiment analysis capability.
package provider

import (
	"context"
	"errors"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/models"
)

// ErrNotRegistered indicates a batch references a provider this deployment
// has no credentials for.
var ErrNotRegistered = errors.New("provider not registered")

// Request is one prompt/model pair to submit.
type Request struct {
	CustomID string
	Prompt   string
}

// SubmitInput carries everything a provider needs to submit one batch: all
// requests share the model, the workspace scopes artifact names.
type SubmitInput struct {
	WorkspaceID string
	Model       catalog.Model
	Requests    []Request
}

// SubmitOutput reports a successful submission.
type SubmitOutput struct {
	// ProviderBatchID is the provider-side handle used for polling.
	ProviderBatchID string
	// OutputLocation is the object-storage prefix results will land under;
	// empty for providers that deliver results inline over their API.
	OutputLocation string
	// BytesUploaded and APICalls feed the job history entry.
	BytesUploaded int64
	APICalls      int
}

// PollOutput maps one provider status probe onto the local lifecycle.
type PollOutput struct {
	// Status is the local batch status the provider state maps to. For
	// completed batches this stays in_progress; Done tells the poller to
	// fetch results and flip to received itself.
	Status models.BatchStatus
	// ProviderState is the raw state string, for logs and fail reasons.
	ProviderState string
	// Done means results are ready to fetch.
	Done bool
	// Failed means the batch ended without results. Status carries the
	// terminal value (failed, expired, cancelled) and FailReason the cause.
	Failed     bool
	FailReason string
	// OutputLocation is filled by providers that only learn the output
	// prefix at completion time.
	OutputLocation string
}

// FetchOutput is the normalized result download.
type FetchOutput struct {
	Results         []models.BatchResult
	BytesDownloaded int64
	APICalls        int
}

// Extraction is the provider-shaped answer pulled out of one result body.
type Extraction struct {
	Text        string
	TotalTokens int
}

// Provider is one configured batch inference vendor.
type Provider interface {
	// Tag identifies the provider in batch documents and limiter keys.
	Tag() models.ProviderTag

	// SubmitBatch uploads the request lines and starts the provider batch.
	SubmitBatch(ctx context.Context, in SubmitInput) (*SubmitOutput, error)

	// PollBatch asks the provider where the batch stands.
	PollBatch(ctx context.Context, batch *models.Batch) (*PollOutput, error)

	// FetchResults downloads and normalizes the output lines for a batch
	// the provider reports complete.
	FetchResults(ctx context.Context, batch *models.Batch) (*FetchOutput, error)

	// ExtractText pulls the answer text and token count out of one result
	// body in this provider's native response shape.
	ExtractText(body map[string]any) (*Extraction, error)
}

// Analyzer runs synchronous sentiment analysis. Providers implement it with
// their online completion API; the processor picks the analyzer matching
// the answer's provider.
type Analyzer interface {
	// AnalyzeSentiment sends the analysis prompt to the given model and
	// returns the raw reply text.
	AnalyzeSentiment(ctx context.Context, model string, params catalog.Params, prompt string) (string, error)
}

// Registry holds the providers this deployment has credentials for.
type Registry struct {
	providers map[models.ProviderTag]Provider
	order     []models.ProviderTag
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[models.ProviderTag]Provider)}
}

// Register adds a provider. Registering the same tag twice is a programmer
// error.
func (r *Registry) Register(p Provider) {
	if p == nil {
		panic("provider.Register: p must not be nil")
	}
	tag := p.Tag()
	if _, exists := r.providers[tag]; exists {
		panic("provider.Register: duplicate provider " + string(tag))
	}
	r.providers[tag] = p
	r.order = append(r.order, tag)
}

// Get returns the provider for a tag.
func (r *Registry) Get(tag models.ProviderTag) (Provider, bool) {
	p, ok := r.providers[tag]
	return p, ok
}

// Analyzer returns the provider's sentiment capability, if it has one.
func (r *Registry) Analyzer(tag models.ProviderTag) (Analyzer, bool) {
	p, ok := r.providers[tag]
	if !ok {
		return nil, false
	}
	a, ok := p.(Analyzer)
	return a, ok
}

// Tags returns the registered provider tags in registration order.
func (r *Registry) Tags() []models.ProviderTag {
	out := make([]models.ProviderTag, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
