package bus

import "time"

// Event kinds published by the sync daemon. Subscribers filter by prefix,
// so "push." receives every transport event.
const (
	KindPushConnected        = "push.connected"
	KindPushDisconnected     = "push.disconnected"
	KindPushMessage          = "push.message"
	KindPushPresenceSnapshot = "push.presence_snapshot"
	KindPushPresenceChanged  = "push.presence_changed"
	KindPushUnreadSnapshot   = "push.unread_snapshot"

	KindTimelineUpdated  = "timeline.updated"
	KindDirectoryUpdated = "directory.updated"
	KindUnreadUpdated    = "unread.updated"
	KindPresenceUpdated  = "presence.updated"

	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
