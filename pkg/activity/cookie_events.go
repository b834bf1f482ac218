package activity

import (
	"strings"
	"time"
)

const (
	VerbCookieResolved  = "cookie.resolved"
	VerbSessionDegraded = "cookie.session.degraded"

	ObjectCookie  = "cookie"
	ObjectSession = "cookie.session"
)

// ResolutionInput describes a finished resolution.
type ResolutionInput struct {
	ActorID      string
	TenantID     string
	ResolutionID string
	Name         string
	Origin       string
	Mode         string
	Source       string
	Existing     *string
	Final        string
	Degraded     bool
	Duration     time.Duration
	Metadata     map[string]any
	OccurredAt   time.Time
}

// BuildResolvedEvent turns a resolution into a cookie.resolved event. The
// cookie value itself is only recorded as present or absent.
func BuildResolvedEvent(input ResolutionInput) Event {
	metadata := ensureMetadata(cloneMap(input.Metadata))
	metadata["origin"] = input.Origin
	metadata["mode"] = input.Mode
	metadata["source"] = input.Source
	metadata["existing_present"] = input.Existing != nil
	metadata["degraded"] = input.Degraded
	if input.ResolutionID != "" {
		metadata["resolution_id"] = input.ResolutionID
	}
	if input.Duration > 0 {
		metadata["duration_ms"] = input.Duration.Milliseconds()
	}
	return Event{
		Verb:       VerbCookieResolved,
		ActorID:    strings.TrimSpace(input.ActorID),
		TenantID:   strings.TrimSpace(input.TenantID),
		ObjectType: ObjectCookie,
		ObjectID:   objectID(input.Name, ObjectCookie),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}

// DegradedInput describes a session that fell back to local-only behaviour.
type DegradedInput struct {
	ActorID      string
	TenantID     string
	ResolutionID string
	Name         string
	Origin       string
	Resource     string
	Reason       string
	OccurredAt   time.Time
}

// BuildSessionDegradedEvent constructs a cookie.session.degraded event.
func BuildSessionDegradedEvent(input DegradedInput) Event {
	metadata := map[string]any{
		"origin": input.Origin,
		"name":   input.Name,
	}
	if input.Reason != "" {
		metadata["reason"] = input.Reason
	}
	if input.ResolutionID != "" {
		metadata["resolution_id"] = input.ResolutionID
	}
	return Event{
		Verb:       VerbSessionDegraded,
		ActorID:    strings.TrimSpace(input.ActorID),
		TenantID:   strings.TrimSpace(input.TenantID),
		ObjectType: ObjectSession,
		ObjectID:   objectID(input.Resource, ObjectSession),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}

func objectID(candidate, fallback string) string {
	if id := strings.TrimSpace(candidate); id != "" {
		return id
	}
	return fallback
}

func ensureMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}
