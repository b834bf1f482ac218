// Package usersink forwards activity events to a go-users ActivitySink.
package usersink

import (
	"context"
	"strings"
	"time"

	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/goliatone/go-xcookie/pkg/activity"
	"github.com/google/uuid"
)

// Hook adapts activity events to a go-users ActivitySink. Actor and tenant
// ids that are not UUIDs are kept in the record data instead.
type Hook struct {
	Sink usertypes.ActivitySink
}

var _ activity.ActivityHook = Hook{}

// Notify maps the event into an ActivityRecord and forwards it to the sink.
func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}
	normalized := activity.NormalizeEvent(event)
	if normalized.Verb == "" || normalized.ObjectType == "" || normalized.ObjectID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	data := cloneMap(normalized.Metadata)
	actorID, actorRaw := parseUUID(normalized.ActorID)
	tenantID, tenantRaw := parseUUID(normalized.TenantID)
	if actorRaw != "" {
		data = ensure(data)
		data["actor"] = actorRaw
	}
	if tenantRaw != "" {
		data = ensure(data)
		data["tenant"] = tenantRaw
	}

	record := usertypes.ActivityRecord{
		ActorID:    actorID,
		TenantID:   tenantID,
		Verb:       normalized.Verb,
		ObjectType: normalized.ObjectType,
		ObjectID:   normalized.ObjectID,
		Channel:    normalized.Channel,
		Data:       data,
		OccurredAt: normalized.OccurredAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}
	return h.Sink.Log(ctx, record)
}

// parseUUID returns the parsed id, or uuid.Nil and the raw input when the
// input is set but not a UUID (origins are common actor ids here).
func parseUUID(input string) (uuid.UUID, string) {
	value := strings.TrimSpace(input)
	if value == "" {
		return uuid.Nil, ""
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, value
	}
	return id, ""
}

func ensure(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
