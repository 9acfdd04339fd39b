package telegram

import (
	"context"
	"fmt"
	"time"

	rtsup "joinguard/internal/runtime/supervisor"
	"joinguard/internal/task/delay"
	kit "joinguard/internal/transport"
	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

// Scheduler queues the delayed unban.
type Scheduler interface {
	Schedule(key string, after time.Duration, work delay.Work) (delay.Handle, error)
}

// UnbanKey identifies the pending unban of a user in a chat.
func UnbanKey(chatID, userID int64) string {
	return fmt.Sprintf("unban-%d-%d", chatID, userID)
}

type Remover struct {
	mod   kit.Moderator
	queue Scheduler
	sup   *rtsup.Supervisor
	log   logx.Logger
}

func NewRemover(mod kit.Moderator, queue Scheduler, sup *rtsup.Supervisor, log logx.Logger) *Remover {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Remover{mod: mod, queue: queue, sup: sup, log: log}
}

// Remove bans the user and, depending on method, readmits them: kick unbans
// right away, ban unbans after unbanDelay (never when it is zero).
func (r *Remover) Remove(ctx context.Context, chatID int64, user verification.User, reason verification.Reason, method verification.KillMethod, unbanDelay time.Duration) {
	log := r.log.With(
		logx.ChatID(chatID),
		logx.UserID(user.ID),
		logx.String("reason", string(reason)),
		logx.String("method", string(method)),
	)
	run := func(ctx context.Context) error {
		if err := r.remove(ctx, chatID, user.ID, method, unbanDelay); err != nil {
			log.Warn("user removal failed", logx.Err(err))
			return nil
		}
		log.Info("user removed", logx.Duration("unban_delay", unbanDelay))
		return nil
	}
	if r.sup == nil {
		_ = run(context.WithoutCancel(ctx))
		return
	}
	r.sup.Go(fmt.Sprintf("remove.%d.%d", chatID, user.ID), run)
}

func (r *Remover) remove(ctx context.Context, chatID, userID int64, method verification.KillMethod, unbanDelay time.Duration) error {
	if err := r.mod.Ban(ctx, chatID, userID, time.Time{}); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	switch method {
	case verification.KillKick:
		if err := r.mod.Unban(ctx, chatID, userID); err != nil {
			return fmt.Errorf("unban after kick: %w", err)
		}
		return nil
	default:
		if unbanDelay <= 0 || r.queue == nil {
			return nil
		}
		key := UnbanKey(chatID, userID)
		_, err := r.queue.Schedule(key, unbanDelay, func(ctx context.Context) error {
			if err := r.mod.Unban(ctx, chatID, userID); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			r.log.Info("user unbanned", logx.ChatID(chatID), logx.UserID(userID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("schedule unban: %w", err)
		}
		return nil
	}
}
