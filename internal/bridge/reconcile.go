package bridge

import (
	"context"
	"fmt"
	"log"

	"gorm.io/gorm"
)

// Reconciler replays an already-active chat into its thread after a
// (re)authentication. The process registry is memory-only, so this is what
// rebuilds chat state across restarts and reconnects.
type Reconciler struct {
	db           *gorm.DB
	platform     Platform
	threads      *ThreadStore
	replayWindow int
}

// NewReconciler creates a Reconciler. replayWindow caps how many counterpart
// messages are backfilled into a reopened or recreated thread.
func NewReconciler(db *gorm.DB, platform Platform, threads *ThreadStore, replayWindow int) (*Reconciler, error) {
	if db == nil {
		return nil, fmt.Errorf("bridge: reconciler: db is required")
	}
	if platform == nil {
		return nil, fmt.Errorf("bridge: reconciler: platform is required")
	}
	if threads == nil {
		return nil, fmt.Errorf("bridge: reconciler: thread store is required")
	}
	if replayWindow <= 0 {
		replayWindow = 10
	}
	return &Reconciler{db: db, platform: platform, threads: threads, replayWindow: replayWindow}, nil
}

// Reconcile runs once per successful authentication. If the remote network
// reports an active chat, the session is pointed at it and the thread is
// ensured. Backfill only happens for reopened or recreated threads: a
// freshly created thread is about to receive chat-started anyway, and an
// untouched active thread already mirrors everything — replaying either
// would duplicate messages.
func (rc *Reconciler) Reconcile(ctx context.Context, s *Session) error {
	status, err := s.Rest.Status(ctx)
	if err != nil {
		return fmt.Errorf("bridge: reconcile %s: status: %w", s.AccountID, err)
	}
	if !status.Chatting {
		return nil
	}

	res, err := rc.threads.EnsureThread(ctx, s.OperatorID, status.ChatID, s.AccountID, s.DisplayName)
	if err != nil {
		return fmt.Errorf("bridge: reconcile %s: %w", s.AccountID, err)
	}
	s.SetActiveChat(status.ChatID, res.Thread.ID)

	if !res.Created && !res.Recreated && !res.Reopened {
		// Active thread, still resolvable: already mirrored.
		return nil
	}

	if _, err := rc.platform.SendMessage(ctx, res.Thread.ThreadID, ConversationNotice(res)); err != nil {
		log.Printf("bridge: reconcile %s: post notice: %v", s.AccountID, err)
	}

	if res.Created {
		return nil
	}

	msgs, err := s.Rest.RecentMessages(ctx, status.ChatID, rc.replayWindow)
	if err != nil {
		return fmt.Errorf("bridge: reconcile %s: fetch recent messages: %w", s.AccountID, err)
	}
	for _, m := range msgs {
		if _, err := rc.platform.SendMessage(ctx, res.Thread.ThreadID, m.Content); err != nil {
			return fmt.Errorf("bridge: reconcile %s: replay message: %w", s.AccountID, err)
		}
	}
	if len(msgs) > 0 {
		log.Printf("bridge: reconcile %s: replayed %d messages into thread %s",
			s.AccountID, len(msgs), res.Thread.ThreadID)
		rc.threads.Touch(ctx, res.Thread.ID)
	}
	return nil
}
