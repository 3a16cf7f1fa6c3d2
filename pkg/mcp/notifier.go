package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/idflow/internal/engine"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// NotificationMethod is the MCP method used for run completion messages.
const NotificationMethod = "notifications/message"

type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier pushes a message to the submitting session when an async run ends.
type Notifier struct {
	sender   sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *Notifier {
	return &Notifier{sender: mcpServer, sessions: sessions, logger: logger}
}

// Attach registers the notifier on every terminal transition of fsm.
func (n *Notifier) Attach(fsm *engine.ExecutionFSM) {
	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionSuccess, schema.ExecutionWarning, schema.ExecutionError, schema.ExecutionCancelled,
	} {
		fsm.OnAfter("", to, n.onFinished)
	}
}

func (n *Notifier) onFinished(ctx context.Context, exec *store.WorkflowExecution, _, to schema.ExecutionStatus) error {
	n.Notify(ctx, exec.ID, to, exec.ErrorMessage)
	return nil
}

// Notify sends the completion of executionID to its session, if one is
// registered. Delivery is best-effort.
func (n *Notifier) Notify(ctx context.Context, executionID int64, status schema.ExecutionStatus, message string) {
	sessionID, ok := n.sessions.Take(executionID)
	if !ok {
		return
	}
	payload := map[string]any{
		"level": "info",
		"data": map[string]any{
			"event":        "execution_finished",
			"execution_id": executionID,
			"status":       string(status),
			"message":      message,
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	switch {
	case errors.Is(err, server.ErrSessionNotFound):
		n.sessions.Remove(sessionID)
	case err != nil:
		n.logger.WarnContext(ctx, "failed to notify session",
			slog.String("session_id", sessionID),
			slog.Int64("execution_id", executionID),
			slog.String("error", err.Error()),
		)
	}
}
