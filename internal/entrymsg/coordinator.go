// Package entrymsg keeps a chat's "pending verifications" message in sync
// with the number of waiting attempts.
package entrymsg

import (
	"context"
	"fmt"
	"time"

	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// Counter reports how many attempts in a chat are still waiting.
type Counter interface {
	CountWaiting(ctx context.Context, chatID int64) (int, error)
}

// Messenger owns the chat-visible entry message. Both calls are
// fire-and-forget; implementations handle their own failures.
type Messenger interface {
	UpdatePendingMessage(ctx context.Context, chatID int64, waiting int, scheme verification.Scheme, duration time.Duration)
	DeleteLatestPendingMessage(ctx context.Context, chatID int64)
}

type Coordinator struct {
	counter Counter
	msg     Messenger
	log     logx.Logger
}

func New(counter Counter, msg Messenger, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{counter: counter, msg: msg, log: log}
}

// Sync recounts waiting attempts and either deletes the entry message (none
// left) or updates it with the new count. It returns the count it acted on.
func (c *Coordinator) Sync(ctx context.Context, chatID int64, scheme verification.Scheme, duration time.Duration) (int, error) {
	n, err := c.counter.CountWaiting(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("count waiting in chat %d: %w", chatID, err)
	}
	if c.msg == nil {
		return n, nil
	}
	if n <= 0 {
		c.log.Debug("entry message delete", logx.ChatID(chatID))
		c.msg.DeleteLatestPendingMessage(ctx, chatID)
		return 0, nil
	}
	c.log.Debug("entry message update", logx.ChatID(chatID), logx.Int("waiting", n))
	c.msg.UpdatePendingMessage(ctx, chatID, n, scheme, duration)
	return n, nil
}
