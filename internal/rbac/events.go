package rbac

import (
	"context"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
)

// EventPermissionChanged is the event type emitted after each explicit permission change.
const EventPermissionChanged = "permission.changed"

// ChangeEvent notifies other subsystems that a user's effective access may differ.
type ChangeEvent struct {
	Type          string             `json:"type"`
	UserID        int64              `json:"userId"`
	ModuleName    string             `json:"moduleName"`
	AccessGranted bool               `json:"accessGranted"`
	Action        audit.ChangeAction `json:"action"`
	PreviousValue *bool              `json:"previousValue"`
	AdminUserID   int64              `json:"adminUserId"`
	OccurredAt    time.Time          `json:"occurredAt"`
}

// ChangePublisher delivers ChangeEvents. Failures are logged by the caller and ignored.
type ChangePublisher interface {
	PublishPermissionChange(ctx context.Context, event ChangeEvent) error
}

// Sink is the transport a ChangePublisher writes to; *broker.Producer satisfies it.
type Sink interface {
	Publish(ctx context.Context, key string, value any) error
}

// SinkPublisher keys events by target user so one user's changes stay ordered.
type SinkPublisher struct {
	Sink Sink
}

// PublishPermissionChange implements ChangePublisher.
func (p SinkPublisher) PublishPermissionChange(ctx context.Context, event ChangeEvent) error {
	if p.Sink == nil {
		return nil
	}
	return p.Sink.Publish(ctx, strconv.FormatInt(event.UserID, 10), event)
}

func newChangeEvent(change audit.PermissionChange) ChangeEvent {
	return ChangeEvent{
		Type:          EventPermissionChanged,
		UserID:        change.TargetUserID,
		ModuleName:    change.ModuleName,
		AccessGranted: change.AccessGranted,
		Action:        change.Action,
		PreviousValue: change.PreviousValue,
		AdminUserID:   change.AdminUserID,
		OccurredAt:    change.CreatedAt,
	}
}
