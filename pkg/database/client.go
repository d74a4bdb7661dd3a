// Package database provides the MongoDB client, the shared and
// per-workspace database handles, and index bootstrap.
package database

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// WorkspaceDBPrefix prefixes every per-tenant logical database name.
const WorkspaceDBPrefix = "workspace_"

// Client wraps the MongoDB client. One client (and one bounded connection
// pool) serves the shared database and every workspace database; logical
// database handles are cheap and acquired per run.
type Client struct {
	mongo    *mongo.Client
	sharedDB string
}

// NewClient connects, pings the primary and bootstraps shared indexes.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.ConnectionURI()).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetAppName("mentionlab")

	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	client := &Client{
		mongo:    cli,
		sharedDB: cfg.Database,
	}

	if err := client.BootstrapSharedIndexes(ctx); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to bootstrap shared indexes: %w", err)
	}

	return client, nil
}

// NewClientFromMongo wraps an existing mongo client (useful for testing).
func NewClientFromMongo(cli *mongo.Client, sharedDB string) *Client {
	return &Client{mongo: cli, sharedDB: sharedDB}
}

// Mongo returns the underlying driver client for change streams and
// transactions.
func (c *Client) Mongo() *mongo.Client {
	return c.mongo
}

// Shared returns the shared database handle.
func (c *Client) Shared() *mongo.Database {
	return c.mongo.Database(c.sharedDB)
}

// Workspace returns the handle for one tenant's logical database. Handles
// carry no sockets of their own; callers acquire one per run.
func (c *Client) Workspace(workspaceID string) *WorkspaceDB {
	return &WorkspaceDB{db: c.mongo.Database(WorkspaceDBPrefix + workspaceID)}
}

// WorkspaceIDFromDatabase extracts the workspace id from a logical
// database name, or "" when the name is not a workspace database.
func WorkspaceIDFromDatabase(name string) string {
	if !strings.HasPrefix(name, WorkspaceDBPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, WorkspaceDBPrefix)
}

// Close disconnects the underlying client.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

// Shared database collections.

// Workspaces returns the shared workspaces collection.
func (c *Client) Workspaces() *mongo.Collection {
	return c.Shared().Collection(CollWorkspaces)
}

// BillingProfiles returns the shared billing profiles collection.
func (c *Client) BillingProfiles() *mongo.Collection {
	return c.Shared().Collection(CollBillingProfiles)
}

// BillingProfileMembers returns the shared membership collection.
func (c *Client) BillingProfileMembers() *mongo.Collection {
	return c.Shared().Collection(CollBillingProfileMembers)
}

// Users returns the shared users collection.
func (c *Client) Users() *mongo.Collection {
	return c.Shared().Collection(CollUsers)
}

// Listeners returns the shared listener rules collection.
func (c *Client) Listeners() *mongo.Collection {
	return c.Shared().Collection(CollListeners)
}

// Jobs returns the shared durable job collection.
func (c *Client) Jobs() *mongo.Collection {
	return c.Shared().Collection(CollJobs)
}
