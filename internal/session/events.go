package session

import "github.com/prateek-m/veilchat/internal/protocol"

// EventKind discriminates the typed events the manager publishes to its
// consumer (the UI layer) instead of overridable callback fields.
type EventKind int

const (
	// EventMessage: a decrypted message was appended to a room log.
	EventMessage EventKind = iota
	// EventDelivered: the hub accepted a sent message for forwarding.
	EventDelivered
	// EventHistoryReplaced: a resync replaced a room's whole log.
	EventHistoryReplaced
	// EventRosterChanged: presence, unread or activity details changed.
	EventRosterChanged
	// EventDecryptFailed: one inbound message could not be decrypted; the
	// room and session stay usable.
	EventDecryptFailed
)

// Event is one notification from the session manager.
type Event struct {
	Kind      EventKind
	PartnerID int64
	Message   *protocol.Message
}
