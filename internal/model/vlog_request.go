package model

import "time"

// RequestState is the lifecycle state of a vlog request.
type RequestState string

const (
	RequestCreated  RequestState = "created"
	RequestSent     RequestState = "sent"
	RequestAccepted RequestState = "accepted"
	RequestRejected RequestState = "rejected"
	RequestTimedOut RequestState = "timed_out"
)

// Predecessors returns the states a request may move to s from.
func (s RequestState) Predecessors() []RequestState {
	switch s {
	case RequestSent:
		return []RequestState{RequestCreated}
	case RequestAccepted, RequestRejected, RequestTimedOut:
		return []RequestState{RequestSent}
	default:
		return nil
	}
}

// VlogRequest asks one user to record a vlog at one trigger minute.
// (UserID, TriggerMinute) is unique.
type VlogRequest struct {
	ID            string       `gorm:"primaryKey;size:36" json:"id"`
	UserID        string       `gorm:"size:64;not null;uniqueIndex:idx_vlog_requests_user_minute" json:"userId"`
	TriggerMinute time.Time    `gorm:"not null;uniqueIndex:idx_vlog_requests_user_minute;index" json:"triggerMinute"`
	State         RequestState `gorm:"size:16;not null;index" json:"state"`
	LivestreamID  *string      `gorm:"size:36;index" json:"livestreamId"`
	CreatedAt     time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt     time.Time    `gorm:"not null" json:"updatedAt"`
}
