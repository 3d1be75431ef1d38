// Package events defines the host-level event subjects and their helpers.
package events

// Event types for the session collection
const (
	SessionsChanged = "sessions.changed" // A session was created, destroyed, or renamed
)

// Event types for individual sessions
const (
	SessionCreated               = "session.created"
	SessionDestroyed             = "session.destroyed"
	SessionStatus                = "session.status"                 // Runtime status changed
	SessionEnvironmentTerminated = "session.environment_terminated" // Health check found the environment dead
)

// BuildSessionStatusSubject creates a status subject for a specific session
func BuildSessionStatusSubject(sessionID string) string {
	return SessionStatus + "." + sessionID
}

// BuildSessionStatusWildcardSubject creates a wildcard subscription for all session status events
func BuildSessionStatusWildcardSubject() string {
	return SessionStatus + ".*"
}

// BuildEnvironmentTerminatedSubject creates an environment termination subject for a specific session
func BuildEnvironmentTerminatedSubject(sessionID string) string {
	return SessionEnvironmentTerminated + "." + sessionID
}
