package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions
	ActionSessionList    = "session.list"
	ActionSessionGet     = "session.get"
	ActionSessionCreate  = "session.create"
	ActionSessionDelete  = "session.delete"
	ActionSessionMessage = "session.message"
	ActionSessionOptions = "session.options"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionsChanged = "sessions.changed"
	ActionSessionStatus   = "session.status"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
