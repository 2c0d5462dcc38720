package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mkarren/switchboard/internal/models"
	"gorm.io/gorm"
)

// EnsureResult describes what EnsureThread did. At most one of Created and
// Recreated is set; Reopened can accompany Recreated when an archived
// thread's entity had also gone missing. Callers use the flags to pick the
// notice to post.
type EnsureResult struct {
	Thread    *models.ChatThread
	Created   bool // no row existed; fresh thread + row
	Recreated bool // row existed but the thread entity was gone; replaced
	Reopened  bool // row was archived; un-archived with ReopenCount bumped
}

// ThreadStore is the chat-thread state machine. One row exists per
// (remote chat ID, account ID); a recurring chat reopens its row rather
// than duplicating it, and a thread entity deleted out of band is replaced
// in place (self-healing, without touching ReopenCount).
type ThreadStore struct {
	db          *gorm.DB
	platform    Platform
	provisioner *Provisioner
}

// NewThreadStore creates a ThreadStore.
func NewThreadStore(db *gorm.DB, platform Platform, provisioner *Provisioner) (*ThreadStore, error) {
	if db == nil {
		return nil, fmt.Errorf("bridge: thread store: db is required")
	}
	if platform == nil {
		return nil, fmt.Errorf("bridge: thread store: platform is required")
	}
	if provisioner == nil {
		return nil, fmt.Errorf("bridge: thread store: provisioner is required")
	}
	return &ThreadStore{db: db, platform: platform, provisioner: provisioner}, nil
}

// ThreadName derives the thread title for a remote chat.
func ThreadName(chatID string) string {
	if len(chatID) > 8 {
		chatID = chatID[:8]
	}
	return "chat-" + chatID
}

// EnsureThread resolves the thread for a remote chat, creating, repairing,
// or reopening it as needed.
func (ts *ThreadStore) EnsureThread(ctx context.Context, operatorID, chatID, accountID, displayName string) (EnsureResult, error) {
	var row models.ChatThread
	err := ts.db.WithContext(ctx).
		Where("chat_id = ? AND account_id = ?", chatID, accountID).
		First(&row).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ts.createThread(ctx, operatorID, chatID, accountID, displayName)
	}
	if err != nil {
		return EnsureResult{}, fmt.Errorf("bridge: ensure thread %s/%s: %w", chatID, accountID, err)
	}

	exists, err := ts.platform.ThreadExists(ctx, row.ThreadID)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("bridge: ensure thread %s/%s: resolve entity: %w", chatID, accountID, err)
	}

	if !exists {
		// The guild-side entity was deleted out of band. Replace it and
		// overwrite the stored ID; a simultaneous archived state also counts
		// as a deliberate reopen.
		return ts.recreateThread(ctx, &row, operatorID, displayName)
	}

	if row.Status == models.ThreadArchived {
		if err := ts.platform.UnarchiveThread(ctx, row.ThreadID); err != nil {
			return EnsureResult{}, fmt.Errorf("bridge: reopen thread %s: %w", row.ThreadID, err)
		}
		updates := map[string]interface{}{
			"status":           models.ThreadActive,
			"reopen_count":     row.ReopenCount + 1,
			"last_activity_at": time.Now(),
		}
		if err := ts.db.WithContext(ctx).Model(&row).Updates(updates).Error; err != nil {
			return EnsureResult{}, fmt.Errorf("bridge: reopen thread %s: persist: %w", row.ThreadID, err)
		}
		row.Status = models.ThreadActive
		row.ReopenCount++
		log.Printf("bridge: thread %s reopened (visit %d) [chat=%s account=%s]",
			row.ThreadID, row.ReopenCount, row.ChatID, row.AccountID)
		return EnsureResult{Thread: &row, Reopened: true}, nil
	}

	// Active and resolvable: nothing to do.
	return EnsureResult{Thread: &row}, nil
}

// createThread handles the no-row case: fresh thread entity and row.
func (ts *ThreadStore) createThread(ctx context.Context, operatorID, chatID, accountID, displayName string) (EnsureResult, error) {
	link, err := ts.provisioner.EnsureChannel(ctx, operatorID, accountID, displayName)
	if err != nil {
		return EnsureResult{}, err
	}

	name := ThreadName(chatID)
	threadID, err := ts.platform.CreateThread(ctx, link.ChannelID, name)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("bridge: create thread for chat %s: %w", chatID, err)
	}

	row := models.ChatThread{
		ChatID:         chatID,
		AccountID:      accountID,
		OperatorID:     operatorID,
		ThreadID:       threadID,
		Name:           name,
		Status:         models.ThreadActive,
		LastActivityAt: time.Now(),
	}
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		return EnsureResult{}, fmt.Errorf("bridge: create thread row for chat %s: %w", chatID, err)
	}
	log.Printf("bridge: thread %s created [chat=%s account=%s]", threadID, chatID, accountID)
	return EnsureResult{Thread: &row, Created: true}, nil
}

// recreateThread replaces a missing thread entity, overwriting the stored
// ID on the same row. ReopenCount only moves when the row was archived —
// that reconnection is a real reopen, the repair itself is not.
func (ts *ThreadStore) recreateThread(ctx context.Context, row *models.ChatThread, operatorID, displayName string) (EnsureResult, error) {
	link, err := ts.provisioner.EnsureChannel(ctx, operatorID, row.AccountID, displayName)
	if err != nil {
		return EnsureResult{}, err
	}

	name := ThreadName(row.ChatID)
	threadID, err := ts.platform.CreateThread(ctx, link.ChannelID, name)
	if err != nil {
		return EnsureResult{}, fmt.Errorf("bridge: recreate thread for chat %s: %w", row.ChatID, err)
	}

	reopened := row.Status == models.ThreadArchived
	updates := map[string]interface{}{
		"thread_id":        threadID,
		"name":             name,
		"status":           models.ThreadActive,
		"last_activity_at": time.Now(),
	}
	if reopened {
		updates["reopen_count"] = row.ReopenCount + 1
	}
	if err := ts.db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		return EnsureResult{}, fmt.Errorf("bridge: recreate thread for chat %s: persist: %w", row.ChatID, err)
	}
	row.ThreadID = threadID
	row.Name = name
	row.Status = models.ThreadActive
	if reopened {
		row.ReopenCount++
	}
	log.Printf("bridge: thread for chat %s recreated as %s [account=%s reopened=%v]",
		row.ChatID, threadID, row.AccountID, reopened)
	return EnsureResult{Thread: row, Recreated: true, Reopened: reopened}, nil
}

// Lookup returns the row owning a guild thread ID, if any.
func (ts *ThreadStore) Lookup(ctx context.Context, threadID string) (*models.ChatThread, error) {
	var row models.ChatThread
	err := ts.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: lookup thread %s: %w", threadID, err)
	}
	return &row, nil
}

// Archive marks the row archived. The row is retained so a recurring chat
// is detected as a reopen.
func (ts *ThreadStore) Archive(ctx context.Context, rowID uint) error {
	result := ts.db.WithContext(ctx).Model(&models.ChatThread{}).
		Where("id = ?", rowID).
		Update("status", models.ThreadArchived)
	if result.Error != nil {
		return fmt.Errorf("bridge: archive thread row %d: %w", rowID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("bridge: archive thread row %d: not found", rowID)
	}
	return nil
}

// Delete hard-removes the row. Only for terminal closes initiated by the
// bridge itself, where no reopen is expected.
func (ts *ThreadStore) Delete(ctx context.Context, rowID uint) error {
	result := ts.db.WithContext(ctx).Delete(&models.ChatThread{}, rowID)
	if result.Error != nil {
		return fmt.Errorf("bridge: delete thread row %d: %w", rowID, result.Error)
	}
	return nil
}

// Touch refreshes the row's last-activity timestamp.
func (ts *ThreadStore) Touch(ctx context.Context, rowID uint) {
	if err := ts.db.WithContext(ctx).Model(&models.ChatThread{}).
		Where("id = ?", rowID).
		Update("last_activity_at", time.Now()).Error; err != nil {
		log.Printf("bridge: touch thread row %d: %v", rowID, err)
	}
}
