// Package util provides test utilities and helper functions for database testing.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mentionlab/mentionlab/pkg/database"
)

var (
	// Shared connection string for all tests in local dev
	sharedMongoURI string
	containerOnce  sync.Once
	containerErr   error
)

// SetupTestDatabase returns a database client bound to a unique shared
// database name. Both CI and local dev use per-test database names for
// isolation and scalability.
//   - CI: Connects to external MongoDB service container
//   - Local: Uses a shared testcontainer (started once per package)
//
// The local container runs as a single-node replica set because change
// stream tests require one.
func SetupTestDatabase(t *testing.T) *database.Client {
	ctx := context.Background()

	// Get connection string (from CI env var or shared container)
	uri := GetMongoURI(t)

	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetMaxPoolSize(10))
	require.NoError(t, err)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, cli.Ping(pingCtx, readpref.Primary()))

	// Unique shared database name for this test
	sharedName := GenerateDatabaseName(t)
	client := database.NewClientFromMongo(cli, sharedName)
	require.NoError(t, client.BootstrapSharedIndexes(ctx))

	t.Logf("Created test database: %s", sharedName)

	// Cleanup: drop the database when test completes
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.Shared().Drop(cleanupCtx); err != nil {
			t.Logf("Warning: failed to drop database %s: %v", sharedName, err)
		}
		_ = client.Close(cleanupCtx)
	})

	return client
}

// GetMongoURI returns the base MongoDB connection string. Used by
// integration tests that need a raw connection, e.g. the change router's
// dedicated stream client.
func GetMongoURI(t *testing.T) string {
	// Check if we're in CI with an external database
	if ciMongoURI := os.Getenv("CI_MONGODB_URI"); ciMongoURI != "" {
		t.Log("Using external MongoDB from CI_MONGODB_URI")
		return ciMongoURI
	}

	// Local dev: ensure shared container is started (once per package)
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared MongoDB testcontainer for all tests")

		container, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
		if err != nil {
			containerErr = fmt.Errorf("failed to start mongodb container: %w", err)
			return
		}

		uri, err := container.ConnectionString(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to get connection string: %w", err)
			return
		}

		sharedMongoURI = uri
		t.Logf("Shared container ready: %s", sharedMongoURI)
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedMongoURI
}

// GenerateDatabaseName creates a unique, MongoDB-safe database name for the
// test. Format: test_<sanitized_test_name>_<random_hex>
func GenerateDatabaseName(t *testing.T) string {
	// Get test name and sanitize it (lowercase, replace invalid chars with _)
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// MongoDB database names are capped at 63 bytes
	if len(testName) > 40 {
		testName = testName[:40]
	}

	// Add random suffix for uniqueness
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	if err != nil {
		t.Fatalf("failed to generate random bytes for database name: %v", err)
	}
	randomHex := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("test_%s_%s", testName, randomHex)
}
