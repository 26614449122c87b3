package notify

import (
	"context"

	"github.com/developer-mesh/task-sync/pkg/observability"
)

// LogChannel is a Channel that writes notifications to the log. It is the
// default wiring when no email or push provider is configured.
type LogChannel struct {
	logger observability.Logger
}

// NewLogChannel creates a channel that logs instead of delivering
func NewLogChannel(logger observability.Logger) *LogChannel {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &LogChannel{logger: logger.WithPrefix("notify-log-channel")}
}

// Send implements Channel.Send
func (c *LogChannel) Send(ctx context.Context, recipientID string, notification *Notification) error {
	c.logger.Info("Notification", map[string]interface{}{
		"recipient_id": recipientID,
		"subject":      notification.Subject,
		"entity_id":    notification.EntityID,
		"event_count":  notification.EventCount,
	})
	return nil
}
