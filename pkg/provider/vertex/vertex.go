// Package vertex implements the batch provider on Vertex AI batch
// prediction: request lines are staged as a JSONL object in the batch
// bucket, a BatchPredictionJob reads them, and predictions land back in the
// bucket under the batch's output prefix. Sentiment runs synchronously
// through the region's GenerateContent endpoint.
package vertex

import (
	"context"
	"fmt"
	"strings"
	"time"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
)

// jobAPI captures the slice of the Vertex job client the provider uses.
type jobAPI interface {
	CreateBatchPredictionJob(ctx context.Context, req *aiplatformpb.CreateBatchPredictionJobRequest) (*aiplatformpb.BatchPredictionJob, error)
	GetBatchPredictionJob(ctx context.Context, req *aiplatformpb.GetBatchPredictionJobRequest) (*aiplatformpb.BatchPredictionJob, error)
}

// generativeAPI captures the synchronous generation call used for sentiment.
type generativeAPI interface {
	GenerateContent(ctx context.Context, req *aiplatformpb.GenerateContentRequest) (*aiplatformpb.GenerateContentResponse, error)
}

// objectStore is the bucket surface the provider needs: stage inputs, list
// and read prediction outputs.
type objectStore interface {
	Upload(ctx context.Context, object string, data []byte) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, object string) ([]byte, error)
}

// Provider is the Vertex AI batch provider.
type Provider struct {
	project string
	region  string
	bucket  string

	jobs  jobAPI
	gen   generativeAPI
	store objectStore

	closers []interface{ Close() error }
}

// New builds the provider with real GCP clients against the region's
// endpoint. The caller checks cfg.Enabled() first.
func New(ctx context.Context, cfg *config.VertexConfig) (*Provider, error) {
	if cfg == nil || !cfg.Enabled() {
		panic("vertex.New: cfg with project, region and bucket is required")
	}

	endpoint := fmt.Sprintf("%s-aiplatform.googleapis.com:443", cfg.Region)

	jobClient, err := aiplatform.NewJobClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex job client: %w", err)
	}
	predClient, err := aiplatform.NewPredictionClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		_ = jobClient.Close()
		return nil, fmt.Errorf("failed to create vertex prediction client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		_ = jobClient.Close()
		_ = predClient.Close()
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	p := NewFromClients(cfg,
		jobClientAdapter{jobClient},
		predictionClientAdapter{predClient},
		&gcsStore{client: storageClient, bucket: cfg.Bucket},
	)
	p.closers = []interface{ Close() error }{jobClient, predClient, storageClient}
	return p, nil
}

// NewFromClients builds the provider around existing API surfaces.
func NewFromClients(cfg *config.VertexConfig, jobs jobAPI, gen generativeAPI, store objectStore) *Provider {
	if jobs == nil || gen == nil || store == nil {
		panic("vertex.NewFromClients: jobs, gen and store must not be nil")
	}
	return &Provider{
		project: cfg.ProjectID,
		region:  cfg.Region,
		bucket:  cfg.Bucket,
		jobs:    jobs,
		gen:     gen,
		store:   store,
	}
}

// Close releases the underlying GCP clients.
func (p *Provider) Close() error {
	var firstErr error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Tag identifies this provider in batch documents.
func (p *Provider) Tag() models.ProviderTag {
	return models.ProviderVertex
}

// parent is the regional resource parent for job calls.
func (p *Provider) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", p.project, p.region)
}

// SubmitBatch stages the JSONL input under the canonical
// batches/<workspace>/<key>/ layout and starts a batch prediction job
// writing to the sibling output/ prefix. That layout is what lets the
// webhook receiver derive the workspace from an object path.
func (p *Provider) SubmitBatch(ctx context.Context, in provider.SubmitInput) (*provider.SubmitOutput, error) {
	if len(in.Requests) == 0 {
		return nil, fmt.Errorf("vertex submit for %s: no requests", in.Model.ID)
	}

	lines, err := buildRequestLines(in.Model, in.Requests)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s-%d", in.Model.ID, time.Now().UnixMilli())
	base := fmt.Sprintf("batches/%s/%s", in.WorkspaceID, key)
	inputObject := base + "/input.jsonl"
	outputPrefix := fmt.Sprintf("gs://%s/%s/output", p.bucket, base)

	uploaded, err := p.store.Upload(ctx, inputObject, lines)
	if err != nil {
		return nil, fmt.Errorf("failed to stage batch input %s: %w", inputObject, err)
	}

	params, err := modelParameters(in.Model)
	if err != nil {
		return nil, err
	}

	job := &aiplatformpb.BatchPredictionJob{
		DisplayName: fmt.Sprintf("mentionlab-%s-%s", in.WorkspaceID, key),
		Model:       "publishers/google/models/" + in.Model.ID,
		InputConfig: &aiplatformpb.BatchPredictionJob_InputConfig{
			InstancesFormat: "jsonl",
			Source: &aiplatformpb.BatchPredictionJob_InputConfig_GcsSource{
				GcsSource: &aiplatformpb.GcsSource{
					Uris: []string{fmt.Sprintf("gs://%s/%s", p.bucket, inputObject)},
				},
			},
		},
		OutputConfig: &aiplatformpb.BatchPredictionJob_OutputConfig{
			PredictionsFormat: "jsonl",
			Destination: &aiplatformpb.BatchPredictionJob_OutputConfig_GcsDestination{
				GcsDestination: &aiplatformpb.GcsDestination{OutputUriPrefix: outputPrefix},
			},
		},
		ModelParameters: params,
	}

	created, err := p.jobs.CreateBatchPredictionJob(ctx, &aiplatformpb.CreateBatchPredictionJobRequest{
		Parent:             p.parent(),
		BatchPredictionJob: job,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create batch prediction job for %s: %w", in.Model.ID, err)
	}

	return &provider.SubmitOutput{
		ProviderBatchID: created.GetName(),
		OutputLocation:  outputPrefix,
		BytesUploaded:   uploaded,
		APICalls:        2,
	}, nil
}

// PollBatch maps the job state onto the local lifecycle.
func (p *Provider) PollBatch(ctx context.Context, batch *models.Batch) (*provider.PollOutput, error) {
	job, err := p.jobs.GetBatchPredictionJob(ctx, &aiplatformpb.GetBatchPredictionJobRequest{
		Name: batch.ProviderBatchID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get batch prediction job %s: %w", batch.ProviderBatchID, err)
	}

	out := &provider.PollOutput{ProviderState: job.GetState().String()}
	if dir := job.GetOutputInfo().GetGcsOutputDirectory(); dir != "" {
		out.OutputLocation = dir
	}

	switch job.GetState() {
	case aiplatformpb.JobState_JOB_STATE_QUEUED, aiplatformpb.JobState_JOB_STATE_PENDING:
		out.Status = models.BatchStatusValidating
	case aiplatformpb.JobState_JOB_STATE_RUNNING,
		aiplatformpb.JobState_JOB_STATE_UPDATING,
		aiplatformpb.JobState_JOB_STATE_PAUSED,
		aiplatformpb.JobState_JOB_STATE_CANCELLING:
		out.Status = models.BatchStatusInProgress
	case aiplatformpb.JobState_JOB_STATE_SUCCEEDED, aiplatformpb.JobState_JOB_STATE_PARTIALLY_SUCCEEDED:
		out.Status = models.BatchStatusInProgress
		out.Done = true
	case aiplatformpb.JobState_JOB_STATE_FAILED:
		out.Status = models.BatchStatusFailed
		out.Failed = true
		out.FailReason = job.GetError().GetMessage()
		if out.FailReason == "" {
			out.FailReason = "batch prediction job failed"
		}
	case aiplatformpb.JobState_JOB_STATE_EXPIRED:
		out.Status = models.BatchStatusExpired
		out.Failed = true
		out.FailReason = "batch prediction job expired"
	case aiplatformpb.JobState_JOB_STATE_CANCELLED:
		out.Status = models.BatchStatusCancelled
		out.Failed = true
		out.FailReason = "batch prediction job was cancelled"
	default:
		out.Status = models.BatchStatusInProgress
	}
	return out, nil
}

// FetchResults lists the prediction files under the batch's output prefix
// and normalizes their lines. Vertex nests outputs in a timestamped
// prediction-model-* directory, so everything under the prefix that looks
// like a predictions file counts.
func (p *Provider) FetchResults(ctx context.Context, batch *models.Batch) (*provider.FetchOutput, error) {
	prefix, err := p.objectPrefix(batch.OutputLocation)
	if err != nil {
		return nil, err
	}

	objects, err := p.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs under %s: %w", prefix, err)
	}

	out := &provider.FetchOutput{APICalls: 1}
	for _, object := range objects {
		if !strings.Contains(object, "predictions") {
			continue
		}
		raw, err := p.store.Read(ctx, object)
		if err != nil {
			return nil, fmt.Errorf("failed to read predictions object %s: %w", object, err)
		}
		out.BytesDownloaded += int64(len(raw))
		out.APICalls++

		results, err := parseOutputLines(object, raw)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, results...)
	}

	if len(out.Results) == 0 {
		return nil, fmt.Errorf("no prediction lines found under %s", batch.OutputLocation)
	}
	return out, nil
}

// objectPrefix strips gs://<bucket>/ from an output location, verifying it
// points into this provider's bucket.
func (p *Provider) objectPrefix(location string) (string, error) {
	want := "gs://" + p.bucket + "/"
	if !strings.HasPrefix(location, want) {
		return "", fmt.Errorf("output location %q is outside bucket %s", location, p.bucket)
	}
	return strings.TrimPrefix(location, want), nil
}
