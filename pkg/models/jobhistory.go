package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobHistory is an audit entry written after every batch job run in a
// workspace. Retention follows the workspace's data-retention window.
type JobHistory struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	JobName         string             `bson:"jobName" json:"jobName"`
	Status          JobRunStatus       `bson:"status" json:"status"`
	StartedAt       time.Time          `bson:"startedAt" json:"startedAt"`
	FinishedAt      time.Time          `bson:"finishedAt" json:"finishedAt"`
	RuntimeMS       int64              `bson:"runtimeMs" json:"runtimeMs"`
	BytesUploaded   int64              `bson:"bytesUploaded,omitempty" json:"bytesUploaded,omitempty"`
	BytesDownloaded int64              `bson:"bytesDownloaded,omitempty" json:"bytesDownloaded,omitempty"`
	APICalls        int                `bson:"apiCalls,omitempty" json:"apiCalls,omitempty"`
	Errors          []string           `bson:"errors,omitempty" json:"errors,omitempty"`
	CreatedAt       time.Time          `bson:"createdAt" json:"createdAt"`
}

// NewJobHistory builds an entry for a finished run. Errors present flips
// the status to failed.
func NewJobHistory(jobName string, startedAt, finishedAt time.Time, errs []string) *JobHistory {
	status := JobRunSuccess
	if len(errs) > 0 {
		status = JobRunFailed
	}
	return &JobHistory{
		JobName:    jobName,
		Status:     status,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		RuntimeMS:  finishedAt.Sub(startedAt).Milliseconds(),
		Errors:     errs,
		CreatedAt:  finishedAt,
	}
}
