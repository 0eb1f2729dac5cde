package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type classifies a failure for retry and HTTP mapping decisions.
type Type string

const (
	TypeValidation      Type = "VALIDATION"
	TypeNotFound        Type = "NOT_FOUND"
	TypeAuthorization   Type = "AUTHORIZATION"
	TypeTimeout         Type = "TIMEOUT"
	TypeInternal        Type = "INTERNAL"
	TypeMigrationIssues Type = "MIGRATION_ISSUES"
)

// Severity is carried on persisted failures for operator triage.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Phase names the workflow stage an error belongs to. Steps tag their own
// errors; PhaseFromContext only reconstructs phases for untagged errors
// coming back from collaborators.
type Phase string

const (
	PhaseValidation         Phase = "VALIDATION"
	PhaseMigrationCheck     Phase = "MIGRATION_CHECK"
	PhaseRepoSetup          Phase = "REPO_SETUP"
	PhaseAPIGeneration      Phase = "API_GENERATION"
	PhaseFrontendGeneration Phase = "FRONTEND_GENERATION"
	PhaseDevOpsGeneration   Phase = "DEVOPS_GENERATION"
	PhaseGitOperations      Phase = "GIT_OPERATIONS"
	PhaseDNSUpdate          Phase = "DNS_UPDATE"
	PhaseUnknown            Phase = "UNKNOWN"
)

// Error is the tagged error shape used throughout the pipeline.
type Error struct {
	Type     Type
	Severity Severity
	Phase    Phase
	Context  string
	Message  string
	Details  map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a tagged error with a default severity per type.
func New(t Type, msg string) *Error {
	return &Error{Type: t, Severity: defaultSeverity(t), Message: msg}
}

func Newf(t Type, format string, args ...any) *Error {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap tags an underlying error. A nil cause returns nil.
func Wrap(t Type, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, Severity: defaultSeverity(t), Message: msg, Err: err}
}

// WithPhase returns a copy tagged with the workflow phase.
func (e *Error) WithPhase(p Phase) *Error {
	c := *e
	c.Phase = p
	return &c
}

// WithContext attaches a free-form context string.
func (e *Error) WithContext(ctx string) *Error {
	c := *e
	c.Context = ctx
	return &c
}

// WithDetails attaches the structured diagnostic payload.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

func defaultSeverity(t Type) Severity {
	switch t {
	case TypeValidation, TypeNotFound, TypeAuthorization:
		return SeverityLow
	case TypeMigrationIssues:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// TypeOf extracts the taxonomy type, defaulting untagged errors to Internal.
// Context deadline errors map to Timeout so the worker never retries them.
func TypeOf(err error) Type {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	return TypeInternal
}

// Retriable reports whether the queue should redeliver after this error.
// Validation, not-found, authorization, timeout and migration failures are
// deterministic; retrying them reproduces the same outcome.
func Retriable(err error) bool {
	switch TypeOf(err) {
	case TypeValidation, TypeNotFound, TypeAuthorization, TypeTimeout, TypeMigrationIssues:
		return false
	default:
		return true
	}
}

// PhaseOf returns the phase carried by a tagged error, or UNKNOWN.
func PhaseOf(err error) Phase {
	var ae *Error
	if errors.As(err, &ae) && ae.Phase != "" {
		return ae.Phase
	}
	return PhaseFromContext(errText(err))
}

// PhaseFromContext infers a phase from error text for collaborator errors
// that arrive without a tag.
func PhaseFromContext(text string) Phase {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "frontend"):
		return PhaseFrontendGeneration
	case strings.Contains(lower, "devops"):
		return PhaseDevOpsGeneration
	case strings.Contains(lower, "api"):
		return PhaseAPIGeneration
	case strings.Contains(lower, "git"), strings.Contains(lower, "commit"), strings.Contains(lower, "push"):
		return PhaseGitOperations
	case strings.Contains(lower, "migration"):
		return PhaseMigrationCheck
	case strings.Contains(lower, "validat"):
		return PhaseValidation
	case strings.Contains(lower, "dns"):
		return PhaseDNSUpdate
	default:
		return PhaseUnknown
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
