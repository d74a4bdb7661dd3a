package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/catalog"
	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/models"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/ratelimit"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
	"github.com/mentionlab/mentionlab/test/util"
)

// scriptedReply is one AnalyzeSentiment outcome. The queue is consumed in
// order and the last entry is sticky, so one script can serve many rows.
type scriptedReply struct {
	text string
	err  error
}

// fakeProvider scripts provider behavior for handler tests. The zero value
// accepts submissions and reports polled batches unchanged.
type fakeProvider struct {
	tag        models.ProviderTag
	outputBase string // submissions get <base>/<ws>/<model>; empty for inline results

	mu          sync.Mutex
	submitErr   error
	submitCalls int
	submitted   []provider.SubmitInput

	poll      provider.PollOutput
	pollErr   error
	pollCalls int

	fetch      provider.FetchOutput
	fetchErr   error
	fetchCalls int
	// fetchHook runs before FetchResults returns, so tests can interleave a
	// competing write between the download and the attach.
	fetchHook func(b *models.Batch)

	replies        []scriptedReply
	sentimentCalls int
}

func (f *fakeProvider) Tag() models.ProviderTag { return f.tag }

func (f *fakeProvider) SubmitBatch(ctx context.Context, in provider.SubmitInput) (*provider.SubmitOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, in)
	out := &provider.SubmitOutput{
		ProviderBatchID: fmt.Sprintf("%s-batch-%d", f.tag, len(f.submitted)),
		BytesUploaded:   int64(100 * len(in.Requests)),
		APICalls:        2,
	}
	if f.outputBase != "" {
		out.OutputLocation = fmt.Sprintf("%s/%s/%s", f.outputBase, in.WorkspaceID, in.Model.ID)
	}
	return out, nil
}

func (f *fakeProvider) PollBatch(ctx context.Context, b *models.Batch) (*provider.PollOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := f.poll
	if out.Status == "" {
		out.Status = b.Status
	}
	return &out, nil
}

func (f *fakeProvider) FetchResults(ctx context.Context, b *models.Batch) (*provider.FetchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.fetchHook != nil {
		f.fetchHook(b)
	}
	out := f.fetch
	return &out, nil
}

// ExtractText reads the "text" and "tokens" keys of the fake result body.
// Bodies round-trip through BSON, so numbers arrive loosely typed.
func (f *fakeProvider) ExtractText(body map[string]any) (*provider.Extraction, error) {
	text, ok := body["text"].(string)
	if !ok || text == "" {
		return nil, fmt.Errorf("result body has no text")
	}
	tokens := 0
	switch v := body["tokens"].(type) {
	case int:
		tokens = v
	case int32:
		tokens = int(v)
	case int64:
		tokens = int(v)
	case float64:
		tokens = int(v)
	}
	return &provider.Extraction{Text: text, TotalTokens: tokens}, nil
}

func (f *fakeProvider) AnalyzeSentiment(ctx context.Context, model string, params catalog.Params, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentimentCalls++
	if len(f.replies) == 0 {
		return "", fmt.Errorf("fakeProvider %s: no scripted sentiment reply", f.tag)
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply.text, reply.err
}

func (f *fakeProvider) submitAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

func (f *fakeProvider) submissions() []provider.SubmitInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.SubmitInput(nil), f.submitted...)
}

func (f *fakeProvider) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func (f *fakeProvider) sentimentCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentimentCalls
}

// batchEnv wires a Runner against real stores, an in-process redis and
// scripted providers, with every job name registered on a scheduler. Vertex
// stays unregistered until a test opts in via registerVertex, which keeps
// the missing-credentials paths reachable.
type batchEnv struct {
	client   *database.Client
	schedCfg *config.SchedulerConfig
	cfg      *config.BatchConfig
	sched    *scheduler.Scheduler
	runner   *Runner
	registry *provider.Registry

	openai *fakeProvider
	vertex *fakeProvider

	workspaces    *services.WorkspaceService
	billing       *services.BillingService
	batches       *services.BatchService
	answers       *services.AnswerService
	notifications *services.NotificationService
	history       *services.JobHistoryService
}

func newBatchEnv(t *testing.T) *batchEnv {
	t.Helper()
	client := util.SetupTestDatabase(t)
	_, rdb := util.SetupTestRedis(t)

	cfg := config.DefaultBatchConfig()
	// Waits tuned down so the failure paths stay fast.
	cfg.SubmitRetryDelay = time.Millisecond
	cfg.SentimentDelay = time.Millisecond
	cfg.SentimentRetryDelay = 5 * time.Millisecond
	cfg.TouchEvery = 2

	schedCfg := &config.SchedulerConfig{
		WorkerCount:             2,
		MaxConcurrentJobs:       4,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      10 * time.Millisecond,
		DefaultLockLifetime:     time.Minute,
		TouchInterval:           25 * time.Millisecond,
		RetryBackoff:            50 * time.Millisecond,
		// A failed run parks immediately, so runJob observes a stable record.
		MaxRetries:              1,
		GracefulShutdownTimeout: 5 * time.Second,
	}

	engine := entitlement.NewEngine(client, slog.Default())
	env := &batchEnv{
		client:   client,
		schedCfg: schedCfg,
		cfg:      cfg,
		sched:    scheduler.New(client, schedCfg, "pod-batch"),
		registry: provider.NewRegistry(),
		openai:   &fakeProvider{tag: models.ProviderOpenAI},
		vertex:   &fakeProvider{tag: models.ProviderVertex, outputBase: "gs://mentionlab-batches/batches"},

		workspaces:    services.NewWorkspaceService(client),
		billing:       services.NewBillingService(client),
		batches:       services.NewBatchService(client),
		answers:       services.NewAnswerService(client),
		notifications: services.NewNotificationService(client),
		history:       services.NewJobHistoryService(client),
	}
	env.registry.Register(env.openai)

	env.runner = NewRunner(Deps{
		Config:        cfg,
		Scheduler:     env.sched,
		Providers:     env.registry,
		Limiter:       ratelimit.NewLimiter(rdb, config.DefaultRateLimits()),
		Locker:        ratelimit.NewLocker(rdb),
		Engine:        engine,
		Workspaces:    env.workspaces,
		Billing:       env.billing,
		Prompts:       services.NewPromptService(client, engine),
		Brands:        services.NewBrandService(client, engine),
		Batches:       env.batches,
		Answers:       env.answers,
		Notifications: env.notifications,
		History:       env.history,
	})
	jobs.Register(env.sched, env.runner, cfg)
	return env
}

// registerVertex opts the test into vertex credentials.
func (e *batchEnv) registerVertex() {
	e.registry.Register(e.vertex)
}

// runJob enqueues one job and drives it through a worker pool until the run
// finishes. MaxRetries is 1 in the test config, so the returned record is
// terminal: a zero fail count means the handler succeeded, anything else
// parked with the handler's error as the fail reason.
func (e *batchEnv) runJob(t *testing.T, name string, data any, opts scheduler.EnqueueOptions) *scheduler.JobRecord {
	t.Helper()
	ctx := context.Background()

	rec, err := e.sched.Enqueue(ctx, name, data, opts)
	require.NoError(t, err)

	pool := scheduler.NewPool(e.sched, e.schedCfg)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	stored := &scheduler.JobRecord{}
	require.Eventually(t, func() bool {
		var r scheduler.JobRecord
		if err := e.client.Jobs().FindOne(ctx, bson.M{"_id": rec.ID}).Decode(&r); err != nil {
			return false
		}
		if r.LastFinishedAt == nil || r.LockedAt != nil {
			return false
		}
		*stored = r
		return true
	}, 20*time.Second, 25*time.Millisecond, "job %s never finished", name)
	return stored
}

// backdateProfile makes a workspace's billing profile due for scheduling.
func (e *batchEnv) backdateProfile(t *testing.T, ws *models.Workspace) {
	t.Helper()
	_, err := e.client.BillingProfiles().UpdateOne(context.Background(),
		bson.M{"_id": ws.BillingProfileID},
		bson.M{"$set": bson.M{"nextJobRunDate": time.Now().UTC().Add(-time.Hour)}})
	require.NoError(t, err)
}

// insertBatch stores a batch document directly, bypassing submission.
func (e *batchEnv) insertBatch(t *testing.T, wsID string, b *models.Batch) *models.Batch {
	t.Helper()
	require.NoError(t, e.batches.Insert(context.Background(), wsID, b))
	return b
}

func (e *batchEnv) loadBatch(t *testing.T, wsID string, id primitive.ObjectID) *models.Batch {
	t.Helper()
	b, err := e.batches.Get(context.Background(), wsID, id)
	require.NoError(t, err)
	return b
}

func (e *batchEnv) listBatches(t *testing.T, wsID string) []models.Batch {
	t.Helper()
	ctx := context.Background()
	cursor, err := e.client.Workspace(wsID).Batches().Find(ctx, bson.M{})
	require.NoError(t, err)
	var out []models.Batch
	require.NoError(t, cursor.All(ctx, &out))
	return out
}

func (e *batchEnv) listAnswers(t *testing.T, wsID string) []models.AnswerRecord {
	t.Helper()
	ctx := context.Background()
	cursor, err := e.client.Workspace(wsID).AnswerRecords().Find(ctx, bson.M{})
	require.NoError(t, err)
	var out []models.AnswerRecord
	require.NoError(t, cursor.All(ctx, &out))
	return out
}

func (e *batchEnv) listHistories(t *testing.T, wsID string) []models.JobHistory {
	t.Helper()
	entries, err := e.history.ListRecent(context.Background(), wsID, 20)
	require.NoError(t, err)
	return entries
}

// latestHistory returns the newest audit entry for a workspace.
func (e *batchEnv) latestHistory(t *testing.T, wsID string) *models.JobHistory {
	t.Helper()
	entries := e.listHistories(t, wsID)
	require.NotEmpty(t, entries, "no job history recorded")
	return &entries[0]
}

// seedNotification writes an unprocessed completion notification.
func (e *batchEnv) seedNotification(t *testing.T, wsID string, prov models.ProviderTag, location string) *models.BatchNotification {
	t.Helper()
	ctx := context.Background()
	created, err := e.notifications.CreateIfAbsent(ctx, wsID, prov, location)
	require.NoError(t, err)
	require.True(t, created)

	var n models.BatchNotification
	require.NoError(t, e.client.Workspace(wsID).BatchNotifications().
		FindOne(ctx, bson.M{"outputLocation": location}).Decode(&n))
	return &n
}

// resultLine builds one ok result row whose body the fake provider can
// extract.
func resultLine(customID, text string, tokens int) models.BatchResult {
	return models.BatchResult{
		CustomID:   customID,
		StatusCode: 200,
		Body:       map[string]any{"text": text, "tokens": tokens},
	}
}

// receivedBatch inserts a received batch carrying one ok result line per
// (prompt, answer) pair, with request metadata matching what submission
// would have recorded.
func (e *batchEnv) receivedBatch(t *testing.T, wsID, modelID string, prompts []*models.Prompt, answers []string) *models.Batch {
	t.Helper()
	require.Equal(t, len(prompts), len(answers))

	ts := time.Now().UnixMilli()
	now := time.Now().UTC()
	b := &models.Batch{
		Provider:        models.ProviderOpenAI,
		ProviderBatchID: "openai-batch-" + modelID,
		ModelID:         modelID,
		Status:          models.BatchStatusReceived,
		RequestCount:    len(prompts),
		SubmittedAt:     now.Add(-time.Hour),
		CompletedAt:     &now,
	}
	for i, p := range prompts {
		customID := BuildCustomID(wsID, p.ID, modelID, ts)
		b.Metadata.Requests = append(b.Metadata.Requests, models.RequestMeta{
			CustomID: customID,
			PromptID: p.ID.Hex(),
			ModelID:  modelID,
		})
		b.Results = append(b.Results, resultLine(customID, answers[i], 10+i))
	}
	return e.insertBatch(t, wsID, b)
}

// brandVerdicts indexes a verdict's per-brand entries by brand name.
func brandVerdicts(s *models.SentimentAnalysis) map[string]models.BrandSentiment {
	out := make(map[string]models.BrandSentiment, len(s.Brands))
	for _, b := range s.Brands {
		out[b.BrandKeywords] = b
	}
	return out
}
