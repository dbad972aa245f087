package service

// Code is the typed outcome of a verification or authorization attempt.
// Authorization failures are expected, frequent outcomes and travel as
// values, never as Go errors; errors are reserved for infrastructure
// faults, which callers must treat as "deny" (fail closed).
type Code string

const (
	CodeValid                   Code = "VALID"
	CodeNotFound                Code = "NOT_FOUND"
	CodeForbidden               Code = "FORBIDDEN"
	CodeDisabled                Code = "DISABLED"
	CodeExpired                 Code = "EXPIRED"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeRatelimited             Code = "RATELIMITED"
	CodeUsageExceeded           Code = "USAGE_EXCEEDED"

	// CodePreconditionFailed marks a credential that exists and is live but
	// is not set up for the requested operation, e.g. a plain key presented
	// where a root key is required.
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
)
