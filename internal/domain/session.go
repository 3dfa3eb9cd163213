package domain

import (
	"time"
)

// SessionStatus tracks the health of a live AI conversation session.
type SessionStatus string

const (
	SessionConnecting SessionStatus = "connecting"
	SessionActive     SessionStatus = "active"
	SessionDegraded   SessionStatus = "degraded"
	SessionClosed     SessionStatus = "closed"
)

// SessionInfo is the monitoring projection of a live session, mirrored to
// Redis for multi-pod visibility.
type SessionInfo struct {
	SessionID string        `json:"session_id"`
	CallID    string        `json:"call_id"`
	TenantID  string        `json:"tenant_id"`
	PodID     string        `json:"pod_id"`
	Status    SessionStatus `json:"status"`
	StartTime time.Time     `json:"start_time"`
}
