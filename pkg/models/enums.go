package models

// BatchStatus tracks a provider batch through its lifecycle
type BatchStatus string

const (
	// BatchStatusSubmitted means the batch was accepted by the provider
	BatchStatusSubmitted BatchStatus = "submitted"
	// BatchStatusValidating means the provider is validating the input file
	BatchStatusValidating BatchStatus = "validating"
	// BatchStatusInProgress means the provider is executing requests
	BatchStatusInProgress BatchStatus = "in_progress"
	// BatchStatusReceived means raw outputs were downloaded and attached
	BatchStatusReceived BatchStatus = "received"
	// BatchStatusFailed means the provider rejected or aborted the batch
	BatchStatusFailed BatchStatus = "failed"
	// BatchStatusExpired means the provider timed the batch out
	BatchStatusExpired BatchStatus = "expired"
	// BatchStatusCancelled means the batch was cancelled upstream
	BatchStatusCancelled BatchStatus = "cancelled"
)

// IsValid checks if the batch status is valid
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusSubmitted,
		BatchStatusValidating,
		BatchStatusInProgress,
		BatchStatusReceived,
		BatchStatusFailed,
		BatchStatusExpired,
		BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further provider transitions are possible
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusReceived, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether the provider may still be working on the batch
func (s BatchStatus) InFlight() bool {
	switch s {
	case BatchStatusSubmitted, BatchStatusValidating, BatchStatusInProgress:
		return true
	default:
		return false
	}
}

// InFlightStatuses are the statuses that block a new submission for the
// same workspace/model pair
func InFlightStatuses() []BatchStatus {
	return []BatchStatus{BatchStatusSubmitted, BatchStatusValidating, BatchStatusInProgress}
}

// ProviderTag identifies a batch inference provider
type ProviderTag string

const (
	// ProviderOpenAI is the OpenAI batch API
	ProviderOpenAI ProviderTag = "openai"
	// ProviderVertex is Google Vertex AI batch prediction
	ProviderVertex ProviderTag = "vertex"
)

// IsValid checks if the provider tag is valid
func (p ProviderTag) IsValid() bool {
	return p == ProviderOpenAI || p == ProviderVertex
}

// PlanID identifies a subscription plan
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanSmall      PlanID = "small"
	PlanMedium     PlanID = "medium"
	PlanEnterprise PlanID = "enterprise"
)

// IsValid checks if the plan id is valid
func (p PlanID) IsValid() bool {
	switch p {
	case PlanFree, PlanSmall, PlanMedium, PlanEnterprise:
		return true
	default:
		return false
	}
}

// PlanStatus gates whether scheduled work runs for a billing profile
type PlanStatus string

const (
	// PlanStatusActive runs normally
	PlanStatusActive PlanStatus = "active"
	// PlanStatusGrace runs until the grace deadline passes
	PlanStatusGrace PlanStatus = "grace"
	// PlanStatusPaymentFailed is skipped by the scheduler
	PlanStatusPaymentFailed PlanStatus = "payment_failed"
	// PlanStatusCancelled is skipped by the scheduler
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsValid checks if the plan status is valid
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusActive, PlanStatusGrace, PlanStatusPaymentFailed, PlanStatusCancelled:
		return true
	default:
		return false
	}
}

// JobFrequency is the cadence at which workspace batches are submitted
type JobFrequency string

const (
	// FrequencyMonthly runs on the first instant of each month
	FrequencyMonthly JobFrequency = "monthly"
	// FrequencyDaily runs every 24 hours
	FrequencyDaily JobFrequency = "daily"
)

// IsValid checks if the job frequency is valid
func (f JobFrequency) IsValid() bool {
	return f == FrequencyMonthly || f == FrequencyDaily
}

// Sentiment is a per-brand or overall sentiment verdict
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	// SentimentNotDetermined is the fallback when analysis fails or a brand
	// is not mentioned
	SentimentNotDetermined Sentiment = "not-determined"
)

// IsValid checks if the sentiment verdict is valid
func (s Sentiment) IsValid() bool {
	return s == SentimentPositive || s == SentimentNegative || s == SentimentNotDetermined
}

// BrandType distinguishes the workspace's own brand from tracked competitors
type BrandType string

const (
	BrandTypeOwn        BrandType = "own"
	BrandTypeCompetitor BrandType = "competitor"
)

// IsValid checks if the brand type is valid
func (t BrandType) IsValid() bool {
	return t == BrandTypeOwn || t == BrandTypeCompetitor
}

// ChangeOperation is a MongoDB change stream operation type
type ChangeOperation string

const (
	ChangeOperationInsert  ChangeOperation = "insert"
	ChangeOperationUpdate  ChangeOperation = "update"
	ChangeOperationReplace ChangeOperation = "replace"
	ChangeOperationDelete  ChangeOperation = "delete"
)

// IsValid checks if the change operation is valid
func (o ChangeOperation) IsValid() bool {
	switch o {
	case ChangeOperationInsert, ChangeOperationUpdate, ChangeOperationReplace, ChangeOperationDelete:
		return true
	default:
		return false
	}
}

// JobRunStatus is the outcome recorded in a job history entry
type JobRunStatus string

const (
	JobRunSuccess JobRunStatus = "success"
	JobRunFailed  JobRunStatus = "failed"
)

// IsValid checks if the job run status is valid
func (s JobRunStatus) IsValid() bool {
	return s == JobRunSuccess || s == JobRunFailed
}

// Resource is an entitlement-limited resource kind
type Resource string

const (
	ResourceBrand  Resource = "brand"
	ResourcePrompt Resource = "prompt"
	ResourceModel  Resource = "model"
)

// IsValid checks if the resource kind is valid
func (r Resource) IsValid() bool {
	return r == ResourceBrand || r == ResourcePrompt || r == ResourceModel
}
