package logging

// AuditEvent represents an administrative or custody-affecting operation
type AuditEvent struct {
	Operation string // e.g., "set_lock_time", "token_mint"
	Actor     string // Caller identity
	Target    string // What was affected (new duration, recipient, ...)
	Result    string // "success" or "failure"
	Details   string // Additional context
}

// Audit logs an administrative operation with structured fields.
// Audit events are logged at Info level with a special "audit" attribute
// to distinguish them from regular application logs.
func Audit(event AuditEvent) {
	Logger().Info("audit",
		"audit", true,
		"operation", event.Operation,
		"actor", event.Actor,
		"target", event.Target,
		"result", event.Result,
		"details", event.Details,
	)
}
