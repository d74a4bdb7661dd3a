// Package openai implements the batch provider on the OpenAI Batch API
// using github.com/sashabaranov/go-openai: request lines are uploaded as a
// JSONL file, executed as a batch, and the output file is downloaded and
// normalized when the batch completes. The same client answers synchronous
// sentiment calls through Chat Completions.
package openai

import (
	"context"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
)

// BatchClient captures the subset of the go-openai client the provider uses.
type BatchClient interface {
	CreateFileBytes(ctx context.Context, request openai.FileBytesRequest) (openai.File, error)
	CreateBatch(ctx context.Context, request openai.CreateBatchRequest) (openai.BatchResponse, error)
	RetrieveBatch(ctx context.Context, batchID string) (openai.BatchResponse, error)
	GetFileContent(ctx context.Context, fileID string) (openai.RawResponse, error)
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Provider is the OpenAI batch provider.
type Provider struct {
	client           BatchClient
	completionWindow string
}

// New builds the provider from configuration. The caller checks
// cfg.Enabled() first; an empty key here is a programmer error.
func New(cfg *config.OpenAIConfig) *Provider {
	if cfg == nil || cfg.APIKey == "" {
		panic("openai.New: cfg with api key is required")
	}
	return NewFromClient(openai.NewClient(cfg.APIKey), cfg.CompletionWindow)
}

// NewFromClient builds the provider around an existing client.
func NewFromClient(client BatchClient, completionWindow string) *Provider {
	if client == nil {
		panic("openai.NewFromClient: client must not be nil")
	}
	if completionWindow == "" {
		completionWindow = "24h"
	}
	return &Provider{client: client, completionWindow: completionWindow}
}

// Tag identifies this provider in batch documents.
func (p *Provider) Tag() models.ProviderTag {
	return models.ProviderOpenAI
}

// SubmitBatch uploads the request lines with purpose "batch" and starts a
// chat-completions batch over the uploaded file.
func (p *Provider) SubmitBatch(ctx context.Context, in provider.SubmitInput) (*provider.SubmitOutput, error) {
	if len(in.Requests) == 0 {
		return nil, fmt.Errorf("openai submit for %s: no requests", in.Model.ID)
	}

	lines, err := buildRequestLines(in.Model, in.Requests)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("batch-%s-%s-%d.jsonl", in.WorkspaceID, in.Model.ID, time.Now().UnixMilli())
	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   lines,
		Purpose: openai.PurposeBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload batch file %s: %w", name, err)
	}

	batch, err := p.client.CreateBatch(ctx, openai.CreateBatchRequest{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: p.completionWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch for file %s: %w", file.ID, err)
	}

	return &provider.SubmitOutput{
		ProviderBatchID: batch.ID,
		BytesUploaded:   int64(len(lines)),
		APICalls:        2,
	}, nil
}

// PollBatch maps the provider batch state onto the local lifecycle.
func (p *Provider) PollBatch(ctx context.Context, batch *models.Batch) (*provider.PollOutput, error) {
	resp, err := p.client.RetrieveBatch(ctx, batch.ProviderBatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve batch %s: %w", batch.ProviderBatchID, err)
	}

	out := &provider.PollOutput{ProviderState: resp.Status}
	switch resp.Status {
	case "validating":
		out.Status = models.BatchStatusValidating
	case "in_progress", "finalizing", "cancelling":
		out.Status = models.BatchStatusInProgress
	case "completed":
		out.Status = models.BatchStatusInProgress
		out.Done = true
	case "failed":
		out.Status = models.BatchStatusFailed
		out.Failed = true
		out.FailReason = "provider reported failed"
	case "expired":
		out.Status = models.BatchStatusExpired
		out.Failed = true
		out.FailReason = "provider expired the batch before completion"
	case "cancelled":
		out.Status = models.BatchStatusCancelled
		out.Failed = true
		out.FailReason = "batch was cancelled upstream"
	default:
		// Unknown states are treated as still running; the next poll or the
		// 24h lock lifetime resolves them.
		out.Status = models.BatchStatusInProgress
	}
	return out, nil
}

// FetchResults downloads the output file and normalizes its lines.
func (p *Provider) FetchResults(ctx context.Context, batch *models.Batch) (*provider.FetchOutput, error) {
	resp, err := p.client.RetrieveBatch(ctx, batch.ProviderBatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve batch %s: %w", batch.ProviderBatchID, err)
	}
	if resp.OutputFileID == nil || *resp.OutputFileID == "" {
		return nil, fmt.Errorf("batch %s has no output file (state %s)", batch.ProviderBatchID, resp.Status)
	}

	content, err := p.client.GetFileContent(ctx, *resp.OutputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download output file %s: %w", *resp.OutputFileID, err)
	}
	defer content.Close()

	raw, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("failed to read output file %s: %w", *resp.OutputFileID, err)
	}

	results, err := parseOutputLines(raw)
	if err != nil {
		return nil, err
	}
	return &provider.FetchOutput{
		Results:         results,
		BytesDownloaded: int64(len(raw)),
		APICalls:        2,
	}, nil
}
