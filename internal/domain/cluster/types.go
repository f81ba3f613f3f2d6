// Package cluster defines the replicated session directory and the
// cluster-wide event bus used to forward JSON-RPC frames between the node
// holding the upstream socket (main) and the nodes serving downstream
// clients (sub). The domain only sees the Store interface; the Redis
// adapter provides the implementation.
package cluster

import (
	"encoding/json"
)

// EventType discriminates cluster bus events on the wire.
type EventType string

const (
	// EventDeleteSession tells every node to drop its local session.
	EventDeleteSession EventType = "delete_session"
	// EventNewMainSession announces that a main subsession has been
	// elected. Advisory; no pump consumes it, observers may.
	EventNewMainSession EventType = "new_main_session"
	// EventNotifyToMainSession carries a client-originated frame that the
	// main node must forward upstream.
	EventNotifyToMainSession EventType = "notify_to_main_session"
	// EventNotifyToSubSession carries a server-originated frame that sub
	// nodes must deliver to their downstream clients.
	EventNotifyToSubSession EventType = "notify_to_sub_session"
)

// Event is the wire form of a cluster bus event. Events are published
// verbatim to all nodes; receivers filter by session id. Delivery is lossy
// (bounded broadcast); MCP-level retries compensate.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// SubsessionID is set for new_main_session events.
	SubsessionID string `json:"subsession_id,omitempty"`

	// RawJSON is the serialized JSON-RPC frame for notify events.
	RawJSON json.RawMessage `json:"raw_json,omitempty"`
}

// NotifyToMainSession builds an event forwarding a client frame to the
// main node.
func NotifyToMainSession(sessionID string, rawJSON []byte) Event {
	return Event{Type: EventNotifyToMainSession, SessionID: sessionID, RawJSON: rawJSON}
}

// NotifyToSubSession builds an event delivering a server frame to sub
// nodes.
func NotifyToSubSession(sessionID string, rawJSON []byte) Event {
	return Event{Type: EventNotifyToSubSession, SessionID: sessionID, RawJSON: rawJSON}
}

// DeleteSession builds a session teardown event.
func DeleteSession(sessionID string) Event {
	return Event{Type: EventDeleteSession, SessionID: sessionID}
}

// NewMainSession builds a main-election announcement.
func NewMainSession(sessionID, subsessionID string) Event {
	return Event{Type: EventNewMainSession, SessionID: sessionID, SubsessionID: subsessionID}
}

// ConnectionState is the replicated record describing one session. It is
// mutated only under the distributed lock keyed by session id; reads are
// unlocked and eventually consistent.
type ConnectionState struct {
	SessionID   string `json:"session_id"`
	UpstreamURL string `json:"upstream_url"`

	// MainSubsessionID identifies the subsession holding the upstream
	// socket. Empty means no main is elected; the next start claims it.
	MainSubsessionID string `json:"main_subsession_id,omitempty"`
}
