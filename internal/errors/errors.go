// Package errors defines the error taxonomy shared by modeguard packages.
//
// Four classes matter to callers:
//   - ConfigError: malformed or cyclic mode/template definitions. Fatal.
//   - NotFoundError: unknown mode, missing session record. Recoverable.
//   - StoreError: the task store failed or returned malformed data.
//   - StateCorruptionError: a session record could not be parsed. Fatal.
//
// Each typed error matches its sentinel through errors.Is, so callers can
// either type-assert with As or test the class with Is / the Is* helpers.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors, one per class.
var (
	ErrConfig           = New("configuration error")
	ErrNotFound         = New("not found")
	ErrStore            = New("task store error")
	ErrStateCorruption  = New("session state corrupted")
	ErrInvalidSessionID = New("invalid session id")
)

// ConfigError reports a malformed or inconsistent mode definition.
type ConfigError struct {
	Source string // file path, "builtin:<name>", or "" when unknown
	Reason string
	Err    error
}

// NewConfigError creates a ConfigError for the given source.
func NewConfigError(source, reason string, err error) *ConfigError {
	return &ConfigError{Source: source, Reason: reason, Err: err}
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// NotFoundError reports a missing resource such as a mode or session.
type NotFoundError struct {
	Kind string
	ID   string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps a task store failure with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError creates a StoreError for op.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("task store: %s failed", e.Op)
	}
	return fmt.Sprintf("task store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// StateCorruptionError reports a session record that failed to parse.
// It is never auto-repaired; the message points at the reset command.
type StateCorruptionError struct {
	SessionID string
	Path      string
	Err       error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("session %s: state file %s is corrupted (%v); inspect it or reset with 'modeguard teardown --session %s'",
		e.SessionID, e.Path, e.Err, e.SessionID)
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }

func (e *StateCorruptionError) Is(target error) bool { return target == ErrStateCorruption }

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return Is(err, ErrConfig) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, ErrNotFound) }

// IsStore reports whether err came from the task store.
func IsStore(err error) bool { return Is(err, ErrStore) }

// IsStateCorruption reports whether err is a corrupted session record.
func IsStateCorruption(err error) bool { return Is(err, ErrStateCorruption) }

// IsFatal reports whether err must abort the operation and block at the hook
// boundary instead of degrading to "proceed anyway".
func IsFatal(err error) bool {
	return IsConfig(err) || IsStateCorruption(err)
}
