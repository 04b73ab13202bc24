package api

import "time"

// EventType enumerates lifecycle events emitted by the coordinator.
type EventType string

const (
	ObjectCreatedPut           EventType = "Object:Created:Put"
	ObjectCreatedPost          EventType = "Object:Created:Post"
	ObjectCreatedCopy          EventType = "Object:Created:Copy"
	ObjectCreatedMove          EventType = "Object:Created:Move"
	ObjectRemoved              EventType = "Object:Removed"
	ObjectRemovedMove          EventType = "Object:Removed:Move"
	ObjectUpdatedMetadata      EventType = "Object:UpdatedMetadata"
	ObjectAdminDelete          EventType = "Object:AdminDelete"
	ObjectAdminDeleteAllBefore EventType = "Object:AdminDeleteAllBefore"
)

// EventPayload carries the object coordinates of a lifecycle event. Version
// and ReqID let consumers dedupe best-effort deliveries.
type EventPayload struct {
	Tenant   Tenant          `json:"tenant"`
	BucketID string          `json:"bucketId"`
	Name     string          `json:"name"`
	Version  string          `json:"version"`
	Metadata *ObjectMetadata `json:"metadata,omitempty"`
	ReqID    string          `json:"reqId,omitempty"`
}

// Event is a single lifecycle event.
type Event struct {
	Version   string       `json:"$version"`
	Type      EventType    `json:"type"`
	Payload   EventPayload `json:"payload"`
	ApplyTime int64        `json:"applyTime"`
}

// EventSchemaVersion is the current envelope version.
const EventSchemaVersion = "v1"

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, payload EventPayload, now time.Time) Event {
	return Event{
		Version:   EventSchemaVersion,
		Type:      eventType,
		Payload:   payload,
		ApplyTime: now.UnixMilli(),
	}
}
