package kernel

import (
	"errors"
	"fmt"

	"github.com/orneryd/graphtx/pkg/schema"
)

// Sentinel errors
// ============================================================================

// ErrTransactionClosed is returned when an operation is attempted on a
// transaction that has already committed or rolled back.
var ErrTransactionClosed = errors.New("transaction is closed")

// TransactionTerminatedError is returned when an operation is attempted on a
// transaction that was marked for termination. The transaction can still be
// rolled back, but no further reads or writes are allowed.
type TransactionTerminatedError struct {
	Reason string
}

func (e *TransactionTerminatedError) Error() string {
	if e.Reason == "" {
		return "transaction has been terminated"
	}
	return fmt.Sprintf("transaction has been terminated: %s", e.Reason)
}

// Entity errors
// ============================================================================

// EntityNotFoundError is returned when a mutation targets a node or
// relationship that is not visible to the transaction, either because it
// never existed or because this transaction deleted it.
type EntityNotFoundError struct {
	Entity schema.EntityKind
	ID     uint64
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Constraint violation errors
// ============================================================================

// UniquenessViolationError is returned when a mutation or a constraint build
// would leave two entities with the same value tuple under a
// uniqueness-enforcing constraint. Conflict names the offending entity so
// callers can report which existing record blocked the operation.
type UniquenessViolationError struct {
	Constraint schema.ConstraintDescriptor
	Conflict   schema.EntryConflict
}

func (e *UniquenessViolationError) Error() string {
	return fmt.Sprintf("uniqueness violation on %s: node %d already has tuple %s",
		e.Constraint, e.Conflict.FirstEntity, e.Conflict.Tuple)
}

// ExistenceViolationError is returned when a scan performed while creating an
// existence or node-key constraint finds an entity missing one of the
// required properties.
type ExistenceViolationError struct {
	Schema     schema.Descriptor
	Entity     uint64
	PropertyID int
}

func (e *ExistenceViolationError) Error() string {
	return fmt.Sprintf("%s %d is missing property %d required by %s",
		e.Schema.Entity, e.Entity, e.PropertyID, e.Schema)
}

// UnableToValidateConstraintError is returned when a uniqueness check could
// not be carried out at all, for example because the backing index was broken
// or unreadable. It wraps the underlying cause.
type UnableToValidateConstraintError struct {
	Constraint schema.ConstraintDescriptor
	Cause      error
}

func (e *UnableToValidateConstraintError) Error() string {
	return fmt.Sprintf("unable to validate constraint %s: %v", e.Constraint, e.Cause)
}

func (e *UnableToValidateConstraintError) Unwrap() error { return e.Cause }

// Schema rule errors
// ============================================================================

// RepeatedPropertyError is returned when a composite schema descriptor lists
// the same property key more than once.
type RepeatedPropertyError struct {
	Schema schema.Descriptor
}

func (e *RepeatedPropertyError) Error() string {
	return fmt.Sprintf("schema %s lists a property key more than once", e.Schema)
}

// AlreadyIndexedError is returned when an index or an index-backed constraint
// is created over a schema that a plain index already covers.
type AlreadyIndexedError struct {
	Schema schema.Descriptor
}

func (e *AlreadyIndexedError) Error() string {
	return fmt.Sprintf("an index already exists for %s", e.Schema)
}

// AlreadyConstrainedError is returned when a schema rule is created over a
// schema that an existing constraint already covers.
type AlreadyConstrainedError struct {
	Constraint schema.ConstraintDescriptor
}

func (e *AlreadyConstrainedError) Error() string {
	return fmt.Sprintf("constraint already exists: %s", e.Constraint)
}

// IndexBrokenError is returned when an index needed by an operation is in the
// failed state. Failure carries the population failure message.
type IndexBrokenError struct {
	Schema  schema.Descriptor
	Failure string
}

func (e *IndexBrokenError) Error() string {
	return fmt.Sprintf("index on %s is in a failed state: %s", e.Schema, e.Failure)
}

// NoSuchIndexError is returned when an operation refers to an index that does
// not exist.
type NoSuchIndexError struct {
	Schema schema.Descriptor
}

func (e *NoSuchIndexError) Error() string {
	return fmt.Sprintf("no index exists for %s", e.Schema)
}

// IndexBelongsToConstraintError is returned when an index drop targets the
// backing index of a live uniqueness or node-key constraint. Such indexes
// are only removed by dropping the owning constraint.
type IndexBelongsToConstraintError struct {
	Schema schema.Descriptor
}

func (e *IndexBelongsToConstraintError) Error() string {
	return fmt.Sprintf("index on %s belongs to a constraint and cannot be dropped directly", e.Schema)
}

// NoSuchConstraintError is returned when a constraint drop targets a
// constraint that does not exist.
type NoSuchConstraintError struct {
	Constraint schema.ConstraintDescriptor
}

func (e *NoSuchConstraintError) Error() string {
	return fmt.Sprintf("no such constraint: %s", e.Constraint)
}

// Schema operation wrappers
// ============================================================================

// DropIndexFailureError wraps the cause of a failed index drop.
type DropIndexFailureError struct {
	Schema schema.Descriptor
	Cause  error
}

func (e *DropIndexFailureError) Error() string {
	return fmt.Sprintf("unable to drop index on %s: %v", e.Schema, e.Cause)
}

func (e *DropIndexFailureError) Unwrap() error { return e.Cause }

// CreateConstraintFailureError wraps the cause of a failed constraint create.
type CreateConstraintFailureError struct {
	Constraint schema.ConstraintDescriptor
	Cause      error
}

func (e *CreateConstraintFailureError) Error() string {
	return fmt.Sprintf("unable to create constraint %s: %v", e.Constraint, e.Cause)
}

func (e *CreateConstraintFailureError) Unwrap() error { return e.Cause }

// DropConstraintFailureError wraps the cause of a failed constraint drop.
type DropConstraintFailureError struct {
	Constraint schema.ConstraintDescriptor
	Cause      error
}

func (e *DropConstraintFailureError) Error() string {
	return fmt.Sprintf("unable to drop constraint %s: %v", e.Constraint, e.Cause)
}

func (e *DropConstraintFailureError) Unwrap() error { return e.Cause }
