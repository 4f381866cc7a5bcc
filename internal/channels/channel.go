package channels

import (
	"context"

	"github.com/stoatlabs/vigil/internal/heartbeat"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// MessageSink receives inbound user messages. In practice this is the
// heartbeat gateway, which authenticates the caller token and runs the
// agent under the single-flight lock.
type MessageSink interface {
	MessageReceived(ctx context.Context, caller, text string) (heartbeat.Result, error)
}
