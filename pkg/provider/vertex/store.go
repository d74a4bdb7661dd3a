package vertex

import (
	"context"
	"fmt"
	"io"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// jobClientAdapter narrows *aiplatform.JobClient to jobAPI.
type jobClientAdapter struct {
	client *aiplatform.JobClient
}

func (a jobClientAdapter) CreateBatchPredictionJob(ctx context.Context, req *aiplatformpb.CreateBatchPredictionJobRequest) (*aiplatformpb.BatchPredictionJob, error) {
	return a.client.CreateBatchPredictionJob(ctx, req)
}

func (a jobClientAdapter) GetBatchPredictionJob(ctx context.Context, req *aiplatformpb.GetBatchPredictionJobRequest) (*aiplatformpb.BatchPredictionJob, error) {
	return a.client.GetBatchPredictionJob(ctx, req)
}

// predictionClientAdapter narrows *aiplatform.PredictionClient to
// generativeAPI.
type predictionClientAdapter struct {
	client *aiplatform.PredictionClient
}

func (a predictionClientAdapter) GenerateContent(ctx context.Context, req *aiplatformpb.GenerateContentRequest) (*aiplatformpb.GenerateContentResponse, error) {
	return a.client.GenerateContent(ctx, req)
}

// gcsStore implements objectStore on a single bucket.
type gcsStore struct {
	client *storage.Client
	bucket string
}

func (s *gcsStore) Upload(ctx context.Context, object string, data []byte) (int64, error) {
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	n, err := w.Write(data)
	if err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("failed to write gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize gs://%s/%s: %w", s.bucket, object, err)
	}
	return int64(n), nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", s.bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (s *gcsStore) Read(ctx context.Context, object string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", s.bucket, object, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
