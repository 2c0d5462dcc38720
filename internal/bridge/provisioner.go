package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mkarren/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Provisioner idempotently ensures each (operator, remote account) pair has
// a private guild channel. The deterministic channel name — not the stored
// channel ID — is the source of truth: a stale ID after out-of-band
// deletion is repaired by a fresh lookup by name.
type Provisioner struct {
	db       *gorm.DB
	platform Platform
	guildID  string
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(db *gorm.DB, platform Platform, guildID string) (*Provisioner, error) {
	if db == nil {
		return nil, fmt.Errorf("bridge: provisioner: db is required")
	}
	if platform == nil {
		return nil, fmt.Errorf("bridge: provisioner: platform is required")
	}
	if guildID == "" {
		return nil, fmt.Errorf("bridge: provisioner: guild ID is required")
	}
	return &Provisioner{db: db, platform: platform, guildID: guildID}, nil
}

// ChannelName derives the deterministic channel name for an account. The
// display-name slug plus an ID suffix keeps names unique across accounts
// while remaining stable across channel recreations.
func ChannelName(displayName, accountID string) string {
	slug := slugify(displayName)
	if slug == "" {
		slug = "account"
	}
	suffix := accountID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return slug + "-" + strings.ToLower(suffix)
}

// slugify lowercases and collapses a display name into channel-safe form.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// EnsureChannel resolves or creates the account's private channel and
// returns the up-to-date link row. On creation failure the caller must not
// assume a channel exists.
func (p *Provisioner) EnsureChannel(ctx context.Context, operatorID, accountID, displayName string) (*models.ChannelLink, error) {
	name := ChannelName(displayName, accountID)

	channelID, err := p.platform.FindChannelByName(ctx, p.guildID, name)
	if err != nil {
		return nil, fmt.Errorf("bridge: provision channel %q: lookup: %w", name, err)
	}

	created := false
	if channelID == "" {
		channelID, err = p.platform.CreateOperatorChannel(ctx, p.guildID, name, operatorID)
		if err != nil {
			return nil, fmt.Errorf("bridge: provision channel %q: create: %w", name, err)
		}
		created = true
	}

	link := models.ChannelLink{
		OperatorID: operatorID,
		AccountID:  accountID,
		ChannelID:  channelID,
		Name:       name,
	}
	result := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operator_id"}, {Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"channel_id", "name"}),
	}).Create(&link)
	if result.Error != nil {
		return nil, fmt.Errorf("bridge: provision channel %q: persist: %w", name, result.Error)
	}

	if created {
		if _, err := p.platform.SendMessage(ctx, channelID, WelcomeNotice(displayName)); err != nil {
			log.Printf("bridge: provision channel %q: welcome notice: %v", name, err)
		}
	}
	return &link, nil
}
