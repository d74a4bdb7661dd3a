package database

import (
	"strconv"
	"strings"
	"time"

	"os"
)

// Config holds MongoDB connection configuration.
type Config struct {
	// URI is the seed connection string (mongodb:// or mongodb+srv://).
	URI string
	// Params are extra connection string options appended to the URI
	// (e.g. "retryWrites=true&w=majority").
	Params string
	// Database is the shared database name.
	Database string

	// MaxPoolSize bounds the connection pool. Change streams multiply
	// connections on sharded clusters, so this stays small.
	MaxPoolSize    int
	ConnectTimeout time.Duration
}

// ConnectionURI combines URI and Params into the final connection string.
func (c Config) ConnectionURI() string {
	if c.Params == "" {
		return c.URI
	}
	sep := "?"
	if strings.Contains(c.URI, "?") {
		sep = "&"
	}
	return c.URI + sep + c.Params
}

// LoadConfigFromEnv loads MongoDB configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	maxPool, err := strconv.Atoi(getEnvOrDefault("MONGODB_MAX_POOL_SIZE", "10"))
	if err != nil || maxPool < 1 {
		maxPool = 10
	}

	return Config{
		URI:            getEnvOrDefault("MONGODB_URI", "mongodb://localhost:27017"),
		Params:         os.Getenv("MONGODB_PARAMS"),
		Database:       getEnvOrDefault("MONGODB_DATABASE", "mentionlab"),
		MaxPoolSize:    maxPool,
		ConnectTimeout: 10 * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
