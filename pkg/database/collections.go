package database

import "go.mongodb.org/mongo-driver/mongo"

// Shared database collection names.
const (
	CollWorkspaces            = "workspaces"
	CollBillingProfiles       = "billingprofiles"
	CollBillingProfileMembers = "billingprofilemembers"
	CollUsers                 = "users"
	CollListeners             = "listeners"
	CollJobs                  = "agendaJobs"
)

// Workspace database collection names.
const (
	CollBatches            = "batches"
	CollBatchNotifications = "batchnotifications"
	CollPrompts            = "prompts"
	CollBrands             = "brands"
	CollAnswerRecords      = "previousmodelresults"
	CollJobHistories       = "jobhistories"
)

// WorkspaceDB is the handle for one tenant's logical database.
type WorkspaceDB struct {
	db *mongo.Database
}

// Name returns the logical database name (workspace_<id>).
func (w *WorkspaceDB) Name() string {
	return w.db.Name()
}

// Database returns the raw handle for change streams.
func (w *WorkspaceDB) Database() *mongo.Database {
	return w.db
}

// Batches returns the batches collection.
func (w *WorkspaceDB) Batches() *mongo.Collection {
	return w.db.Collection(CollBatches)
}

// BatchNotifications returns the notifications collection.
func (w *WorkspaceDB) BatchNotifications() *mongo.Collection {
	return w.db.Collection(CollBatchNotifications)
}

// Prompts returns the prompts collection.
func (w *WorkspaceDB) Prompts() *mongo.Collection {
	return w.db.Collection(CollPrompts)
}

// Brands returns the brands collection.
func (w *WorkspaceDB) Brands() *mongo.Collection {
	return w.db.Collection(CollBrands)
}

// AnswerRecords returns the model answer collection.
func (w *WorkspaceDB) AnswerRecords() *mongo.Collection {
	return w.db.Collection(CollAnswerRecords)
}

// JobHistories returns the job audit collection.
func (w *WorkspaceDB) JobHistories() *mongo.Collection {
	return w.db.Collection(CollJobHistories)
}
