package outbound

import "context"

// Lifecycle event types delivered by the Extensions API.
const (
	EventInvoke   = "INVOKE"
	EventShutdown = "SHUTDOWN"
)

// ExtensionEvent is one lifecycle event.
type ExtensionEvent struct {
	EventType          string `json:"eventType"`
	DeadlineMs         int64  `json:"deadlineMs"`
	RequestID          string `json:"requestId,omitempty"`
	InvokedFunctionArn string `json:"invokedFunctionArn,omitempty"`
	ShutdownReason     string `json:"shutdownReason,omitempty"`
}

// ExtensionsAPI is the outbound port to the Lambda Extensions API.
type ExtensionsAPI interface {
	// Register announces the extension and returns its identifier.
	Register(ctx context.Context, name string, events []string) (string, error)

	// NextEvent blocks until the next lifecycle event for extensionID.
	NextEvent(ctx context.Context, extensionID string) (*ExtensionEvent, error)
}
