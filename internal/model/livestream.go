package model

import "time"

// LivestreamState is the lifecycle state of a pooled livestream.
type LivestreamState string

const (
	LivestreamCreated                   LivestreamState = "created"
	LivestreamPendingUser               LivestreamState = "pending_user"
	LivestreamPendingUserConnect        LivestreamState = "pending_user_connect"
	LivestreamLive                      LivestreamState = "live"
	LivestreamPendingClosure            LivestreamState = "pending_closure"
	LivestreamClosed                    LivestreamState = "closed"
	LivestreamUserNoResponseTimeout     LivestreamState = "user_no_response_timeout"
	LivestreamUserNeverConnectedTimeout LivestreamState = "user_never_connected_timeout"
)

// TerminalLivestreamStates lists the states a livestream never leaves.
var TerminalLivestreamStates = []LivestreamState{
	LivestreamClosed,
	LivestreamUserNoResponseTimeout,
	LivestreamUserNeverConnectedTimeout,
}

// ActiveOwnerIndex is the partial unique index that lets a user own at most
// one non-terminal livestream.
const ActiveOwnerIndex = "idx_livestreams_active_owner"

// Terminal reports whether s is a final state.
func (s LivestreamState) Terminal() bool {
	for _, t := range TerminalLivestreamStates {
		if s == t {
			return true
		}
	}
	return false
}

// Livestream is a vendor livestream resource tracked by the pool.
// A livestream is available when it is in the created state and has no owner.
type Livestream struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	ExternalID     string          `gorm:"uniqueIndex;size:128;not null" json:"externalId"`
	State          LivestreamState `gorm:"size:32;not null;index" json:"state"`
	OwnerUserID    *string         `gorm:"size:64;index" json:"ownerUserId"`
	Version        int64           `gorm:"not null" json:"version"`
	VendorReleased bool            `gorm:"not null" json:"vendorReleased"`
	CreatedAt      time.Time       `gorm:"not null" json:"createdAt"`
	StateChangedAt time.Time       `gorm:"not null" json:"stateChangedAt"`
}

// Available reports whether the livestream can be claimed.
func (l *Livestream) Available() bool {
	return l.State == LivestreamCreated && l.OwnerUserID == nil
}

// OwnedBy reports whether userID owns the livestream.
func (l *Livestream) OwnedBy(userID string) bool {
	return l.OwnerUserID != nil && *l.OwnerUserID == userID
}
