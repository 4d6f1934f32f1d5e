package ports

import (
	"context"

	"github.com/layer-3/certsettle/core"
)

// EventPublisher publishes credential lifecycle events
type EventPublisher interface {
	PublishMinted(ctx context.Context, credential core.PendingCredential, method core.Method) error
	PublishQueued(ctx context.Context, credential core.PendingCredential) error
	PublishSettled(ctx context.Context, credential core.PendingCredential) error
}
