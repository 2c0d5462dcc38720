package bridge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mkarren/switchboard/internal/models"
	"gorm.io/gorm"
)

// Janitor archives threads that have seen no activity for a configured
// window. Archived rows are retained, so a conversation that resumes later
// still reopens its original thread.
type Janitor struct {
	db       *gorm.DB
	platform Platform
	threads  *ThreadStore
	idleDays int
}

// NewJanitor creates a Janitor.
func NewJanitor(db *gorm.DB, platform Platform, threads *ThreadStore, idleDays int) (*Janitor, error) {
	if db == nil {
		return nil, fmt.Errorf("bridge: janitor: db is required")
	}
	if platform == nil {
		return nil, fmt.Errorf("bridge: janitor: platform is required")
	}
	if threads == nil {
		return nil, fmt.Errorf("bridge: janitor: thread store is required")
	}
	if idleDays <= 0 {
		idleDays = 7
	}
	return &Janitor{db: db, platform: platform, threads: threads, idleDays: idleDays}, nil
}

// Sweep archives every active thread idle past the cutoff. Returns the
// number of threads archived.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -j.idleDays)

	var rows []models.ChatThread
	err := j.db.WithContext(ctx).
		Where("status = ? AND last_activity_at < ?", models.ThreadActive, cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("bridge: janitor: query idle threads: %w", err)
	}

	archived := 0
	for _, row := range rows {
		if _, err := j.platform.SendMessage(ctx, row.ThreadID, IdleArchiveNotice(j.idleDays)); err != nil {
			log.Printf("bridge: janitor: notice for thread %s: %v", row.ThreadID, err)
		}
		if err := j.threads.Archive(ctx, row.ID); err != nil {
			log.Printf("bridge: janitor: archive row %d: %v", row.ID, err)
			continue
		}
		if err := j.platform.ArchiveThread(ctx, row.ThreadID); err != nil {
			log.Printf("bridge: janitor: archive entity %s: %v", row.ThreadID, err)
		}
		archived++
	}
	return archived, nil
}

// Run fires Sweep on the cron schedule until the context is cancelled.
// An empty or unparsable expression disables the janitor.
func (j *Janitor) Run(ctx context.Context, cronExpr string) {
	if cronExpr == "" {
		return
	}
	d := nextCronDuration(cronExpr)
	if d <= 0 {
		log.Printf("bridge: janitor: invalid cron expression %q, disabled", cronExpr)
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n, err := j.Sweep(ctx)
			if err != nil {
				log.Printf("bridge: janitor: sweep: %v", err)
			} else if n > 0 {
				log.Printf("bridge: janitor: archived %d idle threads", n)
			}
			if d := nextCronDuration(cronExpr); d > 0 {
				timer.Reset(d)
			} else {
				return
			}
		}
	}
}
