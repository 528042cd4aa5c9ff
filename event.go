package tenantsync

import (
	"fmt"
	"time"
)

// ChangeOp tags the variant of a ChangeEvent.
type ChangeOp string

const (
	OpInserted ChangeOp = "inserted"
	OpUpdated  ChangeOp = "updated"
	OpDeleted  ChangeOp = "deleted"
)

// ChangeEvent is a classified row-level change. Record is nil for
// deletes; RecordID is always set. Immutable once constructed.
type ChangeEvent struct {
	EventID       string
	TenantID      string
	EntityType    string
	Op            ChangeOp
	RecordID      string
	Record        *CachedRecord
	CorrelationID string
	ReceivedAt    time.Time
}

// classifyNotification turns a validated envelope into a typed event.
func classifyNotification(notification Notification, receivedAt time.Time) (ChangeEvent, error) {
	event := ChangeEvent{
		EventID:       notification.EventID,
		TenantID:      notification.TenantID,
		EntityType:    notification.EntityType,
		RecordID:      notification.RecordID,
		CorrelationID: notification.CorrelationID,
		ReceivedAt:    receivedAt,
	}
	switch notification.Type {
	case notificationInserted:
		event.Op = OpInserted
	case notificationUpdated:
		event.Op = OpUpdated
	case notificationDeleted:
		event.Op = OpDeleted
		return event, nil
	default:
		return ChangeEvent{}, fmt.Errorf("%w: unknown notification type %q", ErrInvalidInput, notification.Type)
	}
	event.Record = &CachedRecord{
		TenantID:   notification.TenantID,
		EntityType: notification.EntityType,
		ID:         notification.RecordID,
		Payload:    notification.Payload,
		Version:    notification.Version,
	}
	return event, nil
}
