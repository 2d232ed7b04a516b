package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"vlog-backend/internal/model"
)

// UserDirectory answers which users may be asked to vlog at a trigger minute.
type UserDirectory interface {
	GetSchedulableUsers(ctx context.Context, triggerMinute time.Time) ([]model.UserSchedulingProfile, error)
}

// SchedulingDefaults fill in per-user overrides that are unset.
type SchedulingDefaults struct {
	DailyRequestLimit int
	WindowStartMinute int
	WindowEndMinute   int
}

type gormDirectory struct {
	db       *gorm.DB
	defaults SchedulingDefaults
}

// NewUserDirectory creates a directory over the users and vlog_requests tables.
//
// A user's "requests today" counts the requests in their local day that got a
// livestream reserved; requests whose dispatch failed before reservation do
// not use up the daily limit.
func NewUserDirectory(db *gorm.DB, defaults SchedulingDefaults) UserDirectory {
	return &gormDirectory{db: db, defaults: defaults}
}

type issuedRequest struct {
	UserID        string
	TriggerMinute time.Time
}

func (d *gormDirectory) GetSchedulableUsers(ctx context.Context, triggerMinute time.Time) ([]model.UserSchedulingProfile, error) {
	var users []model.User
	if err := d.db.WithContext(ctx).Where("disabled = ?", false).Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	// Any local day containing triggerMinute started less than 24h before it.
	var issued []issuedRequest
	if err := d.db.WithContext(ctx).Model(&model.VlogRequest{}).
		Select("user_id, trigger_minute").
		Where("livestream_id IS NOT NULL AND trigger_minute > ? AND trigger_minute <= ?",
			triggerMinute.Add(-24*time.Hour).UTC(), triggerMinute.UTC()).
		Scan(&issued).Error; err != nil {
		return nil, fmt.Errorf("failed to load issued requests: %w", err)
	}
	// A user still holding a livestream would only be refused at dispatch.
	var active []string
	if err := d.db.WithContext(ctx).Model(&model.Livestream{}).
		Distinct("owner_user_id").
		Where("owner_user_id IS NOT NULL AND state NOT IN ?", model.TerminalLivestreamStates).
		Pluck("owner_user_id", &active).Error; err != nil {
		return nil, fmt.Errorf("failed to load active livestream owners: %w", err)
	}
	busy := make(map[string]bool, len(active))
	for _, id := range active {
		busy[id] = true
	}

	byUser := make(map[string][]time.Time)
	for _, r := range issued {
		byUser[r.UserID] = append(byUser[r.UserID], r.TriggerMinute)
	}

	var out []model.UserSchedulingProfile
	for _, u := range users {
		if busy[u.ID] {
			continue
		}
		p := d.profile(u)
		dayStart := p.LocalDayStart(triggerMinute)
		for _, at := range byUser[u.ID] {
			if !at.Before(dayStart) {
				p.RequestsToday++
			}
		}
		if p.Eligible(triggerMinute) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *gormDirectory) profile(u model.User) model.UserSchedulingProfile {
	p := model.UserSchedulingProfile{
		UserID:                u.ID,
		TimezoneOffsetMinutes: u.TimezoneOffsetMinutes,
		DailyRequestLimit:     d.defaults.DailyRequestLimit,
		WindowStartMinute:     d.defaults.WindowStartMinute,
		WindowEndMinute:       d.defaults.WindowEndMinute,
	}
	if u.DailyRequestLimit != nil {
		p.DailyRequestLimit = *u.DailyRequestLimit
	}
	if u.WindowStartMinute != nil {
		p.WindowStartMinute = *u.WindowStartMinute
	}
	if u.WindowEndMinute != nil {
		p.WindowEndMinute = *u.WindowEndMinute
	}
	return p
}
