package model

import "time"

// User is the scheduling-relevant slice of a user account. Nil overrides fall
// back to the configured defaults.
type User struct {
	ID                    string  `gorm:"primaryKey;size:64"`
	TimezoneOffsetMinutes int     `gorm:"not null"`
	DailyRequestLimit     *int
	WindowStartMinute     *int
	WindowEndMinute       *int
	Disabled              bool      `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
}

// UserSchedulingProfile is the read-only view the scheduler selects users by.
type UserSchedulingProfile struct {
	UserID                string
	TimezoneOffsetMinutes int
	DailyRequestLimit     int
	RequestsToday         int

	// Active window in local minutes of day, half-open [start, end).
	// start > end wraps past midnight; start == end covers the whole day.
	WindowStartMinute int
	WindowEndMinute   int
}

func (p UserSchedulingProfile) location() *time.Location {
	return time.FixedZone("", p.TimezoneOffsetMinutes*60)
}

// LocalMinuteOfDay returns t's minute of day in the user's timezone.
func (p UserSchedulingProfile) LocalMinuteOfDay(t time.Time) int {
	local := t.In(p.location())
	return local.Hour()*60 + local.Minute()
}

// LocalDayStart returns the instant the user's local day containing t began.
func (p UserSchedulingProfile) LocalDayStart(t time.Time) time.Time {
	local := t.In(p.location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// InWindow reports whether t falls in the user's active window.
func (p UserSchedulingProfile) InWindow(t time.Time) bool {
	m := p.LocalMinuteOfDay(t)
	start, end := p.WindowStartMinute, p.WindowEndMinute
	switch {
	case start == end:
		return true
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

// Eligible reports whether the user may receive a request at triggerMinute.
func (p UserSchedulingProfile) Eligible(triggerMinute time.Time) bool {
	return p.RequestsToday < p.DailyRequestLimit && p.InWindow(triggerMinute)
}
