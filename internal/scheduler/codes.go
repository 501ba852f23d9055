package scheduler

// Stable error codes recorded on task records and in audit entries. Metrics
// aggregates by these strings, so they never change spelling.
const (
	CodeValidation         = "ValidationError"
	CodeDependency         = "DependencyError"
	CodeExecutor           = "ExecutorError"
	CodeTimeout            = "Timeout"
	CodeIntegrity          = "IntegrityError"
	CodeBackendUnavailable = "BackendUnavailable"
	CodeHitlRejected       = "HitlRejected"
	CodeHitlExhausted      = "HitlEscalationExhausted"
	CodeCancelled          = "Cancelled"
)
