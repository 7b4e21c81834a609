package waf

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a rule or firewall config does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic concurrency check fails. The
// caller must reload and reapply; no automatic retry.
var ErrConflict = errors.New("version conflict")

// ValidationError carries field-level detail for a rejected rule draft.
// Nothing is persisted when validation fails.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError creates an empty ValidationError to accumulate into.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Add records a failed check for a field. The first message per field wins.
func (v *ValidationError) Add(field string, msg string) {
	if _, taken := v.Fields[field]; !taken {
		v.Fields[field] = msg
	}
}

// OrNil returns the error if any check failed, otherwise nil.
func (v *ValidationError) OrNil() error {
	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("validation failed: ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", k, v.Fields[k])
	}
	return b.String()
}

// CompilationError is returned when a rule cannot be expressed as agent
// artifacts, e.g. an invalid protection mode/action combination. It is raised
// before any persistence or agent push.
type CompilationError struct {
	RuleName string
	Reason   string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("cannot compile rule %q: %s", e.RuleName, e.Reason)
}

// AgentSyncError is returned when the enforcement agent could not be reached
// or rejected a push. The rule change is persisted locally regardless; this
// is a soft failure with a retry path, not a rollback.
type AgentSyncError struct {
	ConfigID int64
	Err      error
}

func (e *AgentSyncError) Error() string {
	return fmt.Sprintf("enforcement agent sync failed for config %d: %v", e.ConfigID, e.Err)
}

func (e *AgentSyncError) Unwrap() error {
	return e.Err
}
