package workflow

import "fmt"

// Code identifies a member of the error taxonomy so callers can branch
// on kind without matching error strings.
type Code string

const (
	CodeDuplicateKey       Code = "duplicate_key"
	CodeNotFound           Code = "not_found"
	CodeIllegalTransition  Code = "illegal_transition"
	CodeConcurrency        Code = "concurrency"
	CodeSchemaInvalid      Code = "schema_invalid"
	CodeStorageUnavailable Code = "storage_unavailable"
)

// StoreError is satisfied by every error the event store returns.
// Callers branch on Code() rather than on the error string.
type StoreError interface {
	error
	Code() Code
}

type storeError struct {
	code Code
	msg  string
}

func (e *storeError) Error() string { return e.msg }
func (e *storeError) Code() Code    { return e.code }

// NewDuplicateKeyError reports that an event_id already exists.
func NewDuplicateKeyError(eventID string) error {
	return &storeError{code: CodeDuplicateKey, msg: fmt.Sprintf("event %s already exists", eventID)}
}

// NewNotFoundError reports that no event exists with the given id.
func NewNotFoundError(eventID string) error {
	return &storeError{code: CodeNotFound, msg: fmt.Sprintf("event %s not found", eventID)}
}

// NewConcurrencyError reports that an update lost the optimistic
// concurrency race (the updated_at token no longer matched).
func NewConcurrencyError(eventID string) error {
	return &storeError{code: CodeConcurrency, msg: fmt.Sprintf("event %s was updated concurrently", eventID)}
}

// NewStorageUnavailableError wraps a low-level storage failure.
func NewStorageUnavailableError(err error) error {
	return &storeError{code: CodeStorageUnavailable, msg: fmt.Sprintf("storage unavailable: %v", err)}
}

// IllegalTransitionError carries the structured detail §4.1 requires
// on a rejected transition: current state, attempted state, and the
// full allowed set for current.
type IllegalTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition event from %s to %s (allowed: %v)", e.From, e.To, e.Allowed)
}

func (e *IllegalTransitionError) Code() Code { return CodeIllegalTransition }

// NewIllegalTransitionError builds the structured error for a rejected
// transition, including the full allowed set for from.
func NewIllegalTransitionError(from, to Status) error {
	return &IllegalTransitionError{From: from, To: to, Allowed: AllowedFrom(from)}
}

// SchemaInvalidError wraps a payload validation failure for a given
// event type.
type SchemaInvalidError struct {
	EventType string
	Err       error
}

func (e *SchemaInvalidError) Error() string {
	return fmt.Sprintf("payload for type %s failed schema validation: %v", e.EventType, e.Err)
}

func (e *SchemaInvalidError) Code() Code { return CodeSchemaInvalid }

func (e *SchemaInvalidError) Unwrap() error { return e.Err }

// NewSchemaInvalidError builds the structured error for a rejected payload.
func NewSchemaInvalidError(eventType string, err error) error {
	return &SchemaInvalidError{EventType: eventType, Err: err}
}
