// Package session drives a livestream through its lifecycle once it has been
// reserved for a user.
package session

import "vlog-backend/internal/model"

// Event is something that happened to a livestream.
type Event string

const (
	EventNotified        Event = "notified"
	EventAccept          Event = "accept"
	EventResponseTimeout Event = "response_timeout"
	EventStreamStarted   Event = "stream_started"
	EventConnectTimeout  Event = "connect_timeout"
	EventStreamStopped   Event = "stream_stopped"
	EventVendorStopped   Event = "vendor_stopped"
)

// Events lists every event in table order.
var Events = []Event{
	EventNotified,
	EventAccept,
	EventResponseTimeout,
	EventStreamStarted,
	EventConnectTimeout,
	EventStreamStopped,
	EventVendorStopped,
}

var transitions = map[model.LivestreamState]map[Event]model.LivestreamState{
	model.LivestreamCreated: {
		EventNotified: model.LivestreamPendingUser,
	},
	model.LivestreamPendingUser: {
		EventAccept:          model.LivestreamPendingUserConnect,
		EventResponseTimeout: model.LivestreamUserNoResponseTimeout,
	},
	model.LivestreamPendingUserConnect: {
		EventStreamStarted:  model.LivestreamLive,
		EventConnectTimeout: model.LivestreamUserNeverConnectedTimeout,
	},
	model.LivestreamLive: {
		EventStreamStopped: model.LivestreamPendingClosure,
	},
	model.LivestreamPendingClosure: {
		EventVendorStopped: model.LivestreamClosed,
	},
}

// Next returns the state ev leads to from from, and false when the table has
// no such transition.
func Next(from model.LivestreamState, ev Event) (model.LivestreamState, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}
