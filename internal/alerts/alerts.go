// Package alerts fans safeguarding incidents out to teacher dashboards.
//
// Every participant joins the same named channel; delivery is best-effort and
// at-most-once, with no replay for late subscribers. The authoritative
// incident history lives in the database, the channel only carries the
// near-real-time ping.
package alerts

import "context"

// ChannelName is the shared alert channel joined by every classroom context.
const ChannelName = "thynklab_safety_alerts"

// EventSafetyBreach discriminates safeguarding envelopes from future event kinds.
const EventSafetyBreach = "SAFETY_BREACH"

// LocalSession marks an incident raised outside any classroom hub. Subscribers
// with a room filter still accept these.
const LocalSession = "Local Session"

// IncidentAlert is the wire payload for one safeguarding breach.
type IncidentAlert struct {
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	SchoolName string `json:"schoolName"`
	SessionID  string `json:"sessionId"`
}

// Envelope wraps a payload with its event-type discriminator.
type Envelope struct {
	Type string        `json:"type"`
	Data IncidentAlert `json:"data"`
}

// Subscription is one live membership of the alert channel. Close releases it;
// Events is closed afterwards.
type Subscription interface {
	Events() <-chan IncidentAlert
	Close() error
}

// Broadcaster publishes incidents to, and subscribes dashboards onto, the
// shared channel. Implementations: redis pub/sub for cross-process fan-out,
// an in-process bus for single-node setups and tests.
type Broadcaster interface {
	Publish(ctx context.Context, alert IncidentAlert) error

	// Subscribe joins the channel with an optional room filter. An empty
	// room subscribes to everything.
	Subscribe(ctx context.Context, room string) (Subscription, error)
}

// RoomMatches reports whether a subscriber filtered to room should react to
// an incident tagged with sessionID. No filter accepts everything; a filter
// accepts its own room plus local (non-classroom) incidents.
func RoomMatches(room, sessionID string) bool {
	return room == "" || sessionID == room || sessionID == LocalSession
}
