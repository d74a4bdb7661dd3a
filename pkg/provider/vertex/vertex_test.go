package vertex

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
)

type fakeJobAPI struct {
	createReq *aiplatformpb.CreateBatchPredictionJobRequest
	created   *aiplatformpb.BatchPredictionJob
	getReq    *aiplatformpb.GetBatchPredictionJobRequest
	job       *aiplatformpb.BatchPredictionJob
	err       error
}

func (f *fakeJobAPI) CreateBatchPredictionJob(_ context.Context, req *aiplatformpb.CreateBatchPredictionJobRequest) (*aiplatformpb.BatchPredictionJob, error) {
	f.createReq = req
	return f.created, f.err
}

func (f *fakeJobAPI) GetBatchPredictionJob(_ context.Context, req *aiplatformpb.GetBatchPredictionJobRequest) (*aiplatformpb.BatchPredictionJob, error) {
	f.getReq = req
	return f.job, f.err
}

type fakeGenAPI struct {
	req  *aiplatformpb.GenerateContentRequest
	text string
	err  error
}

func (f *fakeGenAPI) GenerateContent(_ context.Context, req *aiplatformpb.GenerateContentRequest) (*aiplatformpb.GenerateContentResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &aiplatformpb.GenerateContentResponse{
		Candidates: []*aiplatformpb.Candidate{
			{
				Content: &aiplatformpb.Content{
					Role:  "model",
					Parts: []*aiplatformpb.Part{{Data: &aiplatformpb.Part_Text{Text: f.text}}},
				},
			},
		},
	}, nil
}

type fakeStore struct {
	uploads map[string][]byte
	objects map[string][]byte
	listed  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: map[string][]byte{}, objects: map[string][]byte{}}
}

func (f *fakeStore) Upload(_ context.Context, object string, data []byte) (int64, error) {
	f.uploads[object] = data
	return int64(len(data)), nil
}

func (f *fakeStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	f.listed = append(f.listed, prefix)
	return names, nil
}

func (f *fakeStore) Read(_ context.Context, object string) ([]byte, error) {
	return f.objects[object], nil
}

func testConfig() *config.VertexConfig {
	return &config.VertexConfig{ProjectID: "proj", Region: "us-central1", Bucket: "batch-bucket"}
}

func testProvider(jobs jobAPI, gen generativeAPI, store objectStore) *Provider {
	if jobs == nil {
		jobs = &fakeJobAPI{}
	}
	if gen == nil {
		gen = &fakeGenAPI{}
	}
	if store == nil {
		store = newFakeStore()
	}
	return NewFromClients(testConfig(), jobs, gen, store)
}

func mustModel(t *testing.T, id string) catalog.Model {
	t.Helper()
	m, ok := catalog.ByID(id)
	require.True(t, ok, "model %s not in catalog", id)
	return m
}

func TestBuildRequestLines(t *testing.T) {
	model := mustModel(t, "gemini-1.5-pro-002")
	raw, err := buildRequestLines(model, []provider.Request{
		{CustomID: "ws1-p1-gemini-1.5-pro-002-1", Prompt: "best crm tools?"},
		{CustomID: "ws1-p2-gemini-1.5-pro-002-1", Prompt: "top databases?"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	assert.Equal(t, "ws1-p1-gemini-1.5-pro-002-1", line["custom_id"])

	request := line["request"].(map[string]any)
	contents := request["contents"].([]any)
	require.Len(t, contents, 1)
	content := contents[0].(map[string]any)
	assert.Equal(t, "user", content["role"])
	parts := content["parts"].([]any)
	require.Len(t, parts, 1)
	assert.Equal(t, "best crm tools?", parts[0].(map[string]any)["text"])

	gen := request["generationConfig"].(map[string]any)
	assert.Equal(t, float64(1024), gen["maxOutputTokens"])
	assert.InDelta(t, 0.7, gen["temperature"].(float64), 0.001)
	assert.InDelta(t, 0.95, gen["topP"].(float64), 0.001)
}

func TestSubmitBatch(t *testing.T) {
	jobs := &fakeJobAPI{
		created: &aiplatformpb.BatchPredictionJob{
			Name: "projects/proj/locations/us-central1/batchPredictionJobs/42",
		},
	}
	store := newFakeStore()
	p := testProvider(jobs, nil, store)

	out, err := p.SubmitBatch(context.Background(), provider.SubmitInput{
		WorkspaceID: "ws1",
		Model:       mustModel(t, "gemini-1.5-flash-002"),
		Requests:    []provider.Request{{CustomID: "ws1-p1-gemini-1.5-flash-002-1", Prompt: "hello"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "projects/proj/locations/us-central1/batchPredictionJobs/42", out.ProviderBatchID)
	assert.Equal(t, 2, out.APICalls)

	require.Len(t, store.uploads, 1)
	var inputObject string
	for name, data := range store.uploads {
		inputObject = name
		assert.Equal(t, int64(len(data)), out.BytesUploaded)
	}
	assert.True(t, strings.HasPrefix(inputObject, "batches/ws1/gemini-1.5-flash-002-"), "input object %s", inputObject)
	assert.True(t, strings.HasSuffix(inputObject, "/input.jsonl"))

	wantOutput := "gs://batch-bucket/" + strings.TrimSuffix(inputObject, "/input.jsonl") + "/output"
	assert.Equal(t, wantOutput, out.OutputLocation)

	require.NotNil(t, jobs.createReq)
	assert.Equal(t, "projects/proj/locations/us-central1", jobs.createReq.Parent)
	job := jobs.createReq.BatchPredictionJob
	assert.Equal(t, "publishers/google/models/gemini-1.5-flash-002", job.Model)
	assert.Equal(t, "jsonl", job.InputConfig.InstancesFormat)
	assert.Equal(t, []string{"gs://batch-bucket/" + inputObject}, job.InputConfig.GetGcsSource().GetUris())
	assert.Equal(t, wantOutput, job.OutputConfig.GetGcsDestination().GetOutputUriPrefix())
	require.NotNil(t, job.ModelParameters)
	params := job.ModelParameters.GetStructValue().AsMap()
	assert.Equal(t, float64(1024), params["maxOutputTokens"])
}

func TestSubmitBatch_NoRequests(t *testing.T) {
	p := testProvider(nil, nil, nil)
	_, err := p.SubmitBatch(context.Background(), provider.SubmitInput{
		WorkspaceID: "ws1",
		Model:       mustModel(t, "gemini-1.5-flash-002"),
	})
	require.ErrorContains(t, err, "no requests")
}

func TestPollBatch_StateMapping(t *testing.T) {
	cases := []struct {
		state      aiplatformpb.JobState
		jobErr     string
		wantStatus models.BatchStatus
		wantDone   bool
		wantFailed bool
		wantReason string
	}{
		{state: aiplatformpb.JobState_JOB_STATE_QUEUED, wantStatus: models.BatchStatusValidating},
		{state: aiplatformpb.JobState_JOB_STATE_PENDING, wantStatus: models.BatchStatusValidating},
		{state: aiplatformpb.JobState_JOB_STATE_RUNNING, wantStatus: models.BatchStatusInProgress},
		{state: aiplatformpb.JobState_JOB_STATE_PAUSED, wantStatus: models.BatchStatusInProgress},
		{state: aiplatformpb.JobState_JOB_STATE_SUCCEEDED, wantStatus: models.BatchStatusInProgress, wantDone: true},
		{state: aiplatformpb.JobState_JOB_STATE_PARTIALLY_SUCCEEDED, wantStatus: models.BatchStatusInProgress, wantDone: true},
		{state: aiplatformpb.JobState_JOB_STATE_FAILED, jobErr: "quota exceeded", wantStatus: models.BatchStatusFailed, wantFailed: true, wantReason: "quota exceeded"},
		{state: aiplatformpb.JobState_JOB_STATE_FAILED, wantStatus: models.BatchStatusFailed, wantFailed: true, wantReason: "batch prediction job failed"},
		{state: aiplatformpb.JobState_JOB_STATE_EXPIRED, wantStatus: models.BatchStatusExpired, wantFailed: true, wantReason: "batch prediction job expired"},
		{state: aiplatformpb.JobState_JOB_STATE_CANCELLED, wantStatus: models.BatchStatusCancelled, wantFailed: true, wantReason: "batch prediction job was cancelled"},
	}

	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			job := &aiplatformpb.BatchPredictionJob{State: tc.state}
			if tc.jobErr != "" {
				job.Error = &rpcstatus.Status{Message: tc.jobErr}
			}
			jobs := &fakeJobAPI{job: job}
			p := testProvider(jobs, nil, nil)

			out, err := p.PollBatch(context.Background(), &models.Batch{ProviderBatchID: "projects/proj/locations/us-central1/batchPredictionJobs/42"})
			require.NoError(t, err)

			assert.Equal(t, "projects/proj/locations/us-central1/batchPredictionJobs/42", jobs.getReq.Name)
			assert.Equal(t, tc.wantStatus, out.Status)
			assert.Equal(t, tc.wantDone, out.Done)
			assert.Equal(t, tc.wantFailed, out.Failed)
			if tc.wantReason != "" {
				assert.Equal(t, tc.wantReason, out.FailReason)
			}
			assert.Equal(t, tc.state.String(), out.ProviderState)
		})
	}
}

func TestPollBatch_ReportsOutputDirectory(t *testing.T) {
	jobs := &fakeJobAPI{job: &aiplatformpb.BatchPredictionJob{
		State: aiplatformpb.JobState_JOB_STATE_SUCCEEDED,
		OutputInfo: &aiplatformpb.BatchPredictionJob_OutputInfo{
			OutputLocation: &aiplatformpb.BatchPredictionJob_OutputInfo_GcsOutputDirectory{
				GcsOutputDirectory: "gs://batch-bucket/batches/ws1/k/output/prediction-model-7",
			},
		},
	}}
	p := testProvider(jobs, nil, nil)

	out, err := p.PollBatch(context.Background(), &models.Batch{ProviderBatchID: "x"})
	require.NoError(t, err)
	assert.True(t, out.Done)
	assert.Equal(t, "gs://batch-bucket/batches/ws1/k/output/prediction-model-7", out.OutputLocation)
}

func TestFetchResults(t *testing.T) {
	store := newFakeStore()
	predictions := strings.Join([]string{
		`{"custom_id":"ws1-p1-gemini-1.5-flash-002-1","request":{},"response":{"candidates":[{"content":{"parts":[{"text":"Answer one"}]}}],"usageMetadata":{"totalTokenCount":12}}}`,
		`{"custom_id":"ws1-p2-gemini-1.5-flash-002-1","request":{},"status":"blocked by safety filter"}`,
	}, "\n") + "\n"
	store.objects["batches/ws1/k/output/prediction-model-7/predictions.jsonl"] = []byte(predictions)
	store.objects["batches/ws1/k/output/prediction-model-7/manifest.txt"] = []byte("ignore me")

	p := testProvider(nil, nil, store)
	out, err := p.FetchResults(context.Background(), &models.Batch{
		OutputLocation: "gs://batch-bucket/batches/ws1/k/output",
	})
	require.NoError(t, err)

	require.Len(t, out.Results, 2)
	byID := map[string]models.BatchResult{}
	for _, r := range out.Results {
		byID[r.CustomID] = r
	}

	ok := byID["ws1-p1-gemini-1.5-flash-002-1"]
	assert.Equal(t, 200, ok.StatusCode)
	require.NotNil(t, ok.Body)
	assert.Nil(t, ok.Error)

	failed := byID["ws1-p2-gemini-1.5-flash-002-1"]
	assert.Equal(t, 500, failed.StatusCode)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "blocked by safety filter", *failed.Error)

	assert.Equal(t, int64(len(predictions)), out.BytesDownloaded)
	assert.Equal(t, 2, out.APICalls)
	assert.Equal(t, []string{"batches/ws1/k/output"}, store.listed)
}

func TestFetchResults_WrongBucket(t *testing.T) {
	p := testProvider(nil, nil, nil)
	_, err := p.FetchResults(context.Background(), &models.Batch{
		OutputLocation: "gs://someone-elses-bucket/batches/ws1/k/output",
	})
	require.ErrorContains(t, err, "outside bucket")
}

func TestFetchResults_NoPredictions(t *testing.T) {
	p := testProvider(nil, nil, newFakeStore())
	_, err := p.FetchResults(context.Background(), &models.Batch{
		OutputLocation: "gs://batch-bucket/batches/ws1/k/output",
	})
	require.ErrorContains(t, err, "no prediction lines")
}

func TestExtractText(t *testing.T) {
	p := testProvider(nil, nil, nil)

	body := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"parts": []any{
						map[string]any{"text": "Postgres "},
						map[string]any{"text": "and MySQL."},
					},
				},
			},
		},
		"usageMetadata": map[string]any{"totalTokenCount": float64(33)},
	}
	got, err := p.ExtractText(body)
	require.NoError(t, err)
	assert.Equal(t, "Postgres and MySQL.", got.Text)
	assert.Equal(t, 33, got.TotalTokens)

	_, err = p.ExtractText(map[string]any{"candidates": []any{}})
	require.ErrorContains(t, err, "no candidates")

	_, err = p.ExtractText(map[string]any{
		"candidates": []any{
			map[string]any{"finishReason": "SAFETY"},
		},
	})
	require.ErrorContains(t, err, "finish reason SAFETY")
}

func TestAnalyzeSentiment(t *testing.T) {
	gen := &fakeGenAPI{text: `{"brands":[]}`}
	p := testProvider(nil, gen, nil)

	model := mustModel(t, "gemini-1.5-flash-002")
	got, err := p.AnalyzeSentiment(context.Background(), model.SentimentModel, model.SentimentParams, "analyze this")
	require.NoError(t, err)
	assert.Equal(t, `{"brands":[]}`, got)

	require.NotNil(t, gen.req)
	assert.Equal(t, "projects/proj/locations/us-central1/publishers/google/models/gemini-1.5-flash-002", gen.req.Model)
	require.Len(t, gen.req.Contents, 1)
	assert.Equal(t, "user", gen.req.Contents[0].Role)
	assert.Equal(t, "analyze this", gen.req.Contents[0].Parts[0].GetText())
	require.NotNil(t, gen.req.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, int32(1024), *gen.req.GenerationConfig.MaxOutputTokens)
	require.NotNil(t, gen.req.GenerationConfig.Temperature)
	assert.Equal(t, float32(0), *gen.req.GenerationConfig.Temperature)
}
