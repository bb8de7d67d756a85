package feed

import "flowline/internal/domain"

// Event type tags carried on the wire and used to route SSE message names.
const (
	TypeItemAdded           = "item-added"
	TypeItemMoved           = "item-moved"
	TypeItemUpdated         = "item-updated"
	TypeItemDeleted         = "item-deleted"
	TypeLogEntryAdded       = "log-entry-added"
	TypeMissionPhaseChanged = "mission-phase-changed"
	TypeHeartbeat           = "heartbeat"
)

// Event pairs a type tag with its typed payload. The payload is one of the
// structs below; the SSE layer maps payload types to event names.
type Event struct {
	Type    string
	Payload any
}

type ItemAdded struct {
	TS   string          `json:"ts" format:"date-time"`
	Item domain.WorkItem `json:"item"`
}

type ItemMoved struct {
	TS   string          `json:"ts" format:"date-time"`
	Item domain.WorkItem `json:"item"`
	From string          `json:"from"`
	To   string          `json:"to"`
}

type ItemUpdated struct {
	TS   string          `json:"ts" format:"date-time"`
	Item domain.WorkItem `json:"item"`
}

type ItemDeleted struct {
	TS     string `json:"ts" format:"date-time"`
	ItemID string `json:"item_id"`
}

type LogEntryAdded struct {
	TS    string                  `json:"ts" format:"date-time"`
	Entry domain.ActivityLogEntry `json:"entry"`
}

type MissionPhaseChanged struct {
	TS      string         `json:"ts" format:"date-time"`
	Mission domain.Mission `json:"mission"`
	From    string         `json:"from"`
}

// Heartbeat keeps idle observer connections alive so clients can detect
// silent failure and reconnect with backoff.
type Heartbeat struct {
	TS string `json:"ts" format:"date-time"`
}
