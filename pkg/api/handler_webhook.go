package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mentionlab/mentionlab/pkg/models"
)

// webhookTokenHeader authenticates webhook callers.
const webhookTokenHeader = "X-Mentionlab-Token"

type batchWebhookRequest struct {
	Provider       string `json:"provider" binding:"required"`
	OutputLocation string `json:"outputLocation" binding:"required"`
	// WorkspaceID is optional when the output location follows the
	// canonical batches/<workspace>/... layout.
	WorkspaceID string `json:"workspaceId"`
}

// batchWebhookHandler handles POST /api/v1/webhooks/batch. It records a
// BatchNotification for the given output location; the change router turns
// that into ingestion work. Duplicate deliveries collapse on the location.
func (s *Server) batchWebhookHandler(c *gin.Context) {
	if s.deps.WebhookToken == "" {
		c.JSON(http.StatusServiceUnavailable, &ErrorResponse{Error: "webhook is not configured"})
		return
	}
	token := c.GetHeader(webhookTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.WebhookToken)) != 1 {
		c.JSON(http.StatusUnauthorized, &ErrorResponse{Error: "invalid webhook token"})
		return
	}

	var req batchWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	provider := models.ProviderTag(req.Provider)
	if !provider.IsValid() {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: "unknown provider: " + req.Provider})
		return
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		workspaceID = workspaceFromLocation(req.OutputLocation)
	}
	if _, err := primitive.ObjectIDFromHex(workspaceID); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{
			Error: "workspace id missing and not derivable from output location",
		})
		return
	}

	created, err := s.deps.Notifications.CreateIfAbsent(c.Request.Context(), workspaceID, provider, req.OutputLocation)
	if err != nil {
		slog.Error("Failed to record webhook notification",
			"workspace_id", workspaceID, "location", req.OutputLocation, "error", err)
		c.JSON(http.StatusInternalServerError, &ErrorResponse{Error: "failed to record notification"})
		return
	}

	slog.Info("Webhook notification accepted",
		"workspace_id", workspaceID, "location", req.OutputLocation, "created", created)
	c.JSON(http.StatusAccepted, &WebhookResponse{Created: created, WorkspaceID: workspaceID})
}

// workspaceFromLocation pulls the workspace id out of the canonical object
// layout .../batches/<workspace>/..., whatever the storage scheme.
func workspaceFromLocation(location string) string {
	segments := strings.Split(location, "/")
	for i, segment := range segments {
		if segment == "batches" && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}
