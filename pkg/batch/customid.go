package batch

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CustomID identifies one request line across batch, provider output and
// answer record. Layout: <workspaceID>-<promptID>-<modelID>-<unix ms>. The
// workspace and prompt segments are hex object ids and the timestamp is
// decimal, so only the model id can contain dashes.
type CustomID struct {
	WorkspaceID string
	PromptID    string
	ModelID     string
	Timestamp   int64
}

// BuildCustomID assembles the custom id for one request line. All lines of
// one submission cycle share the timestamp.
func BuildCustomID(workspaceID string, promptID primitive.ObjectID, modelID string, ts int64) string {
	return fmt.Sprintf("%s-%s-%s-%d", workspaceID, promptID.Hex(), modelID, ts)
}

// ParseCustomID splits a custom id back into its parts: first and second
// segments are the workspace and prompt ids, the last is the timestamp, and
// everything between is the model id joined back together.
func ParseCustomID(s string) (CustomID, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 4 {
		return CustomID{}, fmt.Errorf("custom id %q has %d segments, want at least 4", s, len(parts))
	}

	ts, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return CustomID{}, fmt.Errorf("custom id %q has a non-numeric timestamp: %w", s, err)
	}

	id := CustomID{
		WorkspaceID: parts[0],
		PromptID:    parts[1],
		ModelID:     strings.Join(parts[2:len(parts)-1], "-"),
		Timestamp:   ts,
	}
	if id.WorkspaceID == "" || id.PromptID == "" || id.ModelID == "" {
		return CustomID{}, fmt.Errorf("custom id %q has empty segments", s)
	}
	return id, nil
}
