// Provides common strata error definitions.
package strata_errors

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaConflict is raised at schema-build time when two types
	// expose incompatible field declarations under one storage identity.
	ErrSchemaConflict = errors.New("strata: conflicting schema declarations")

	// ErrIllegalPath is raised at parse/registration time for a
	// malformed or type-incompatible reference path.
	ErrIllegalPath = errors.New("strata: illegal reference path")

	// ErrDeletedObject is raised on the first access or mutation of an
	// object that no longer exists.
	ErrDeletedObject = errors.New("strata: object does not exist")

	ErrTypeUnknown  = errors.New("strata: unknown object type")
	ErrFieldUnknown = errors.New("strata: unknown field for the type")
	ErrWrongKind    = errors.New("strata: operation does not match the field kind")
	ErrBadValue     = errors.New("strata: bad value for the field encoding")
	ErrTxDone       = errors.New("strata: transaction already committed or rolled back")
	ErrClosed       = errors.New("strata: no store open")
	ErrSchemaStale  = errors.New("strata: object belongs to a newer schema than the transaction")
)

// ReferencedObjectError blocks a deletion while a non-cascading inbound
// reference still points at the object. It carries the referrer.
type ReferencedObjectError struct {
	Id       string // deleted object
	Referrer string
	Field    string
}

func (e *ReferencedObjectError) Error() string {
	return fmt.Sprintf("strata: cannot delete %s, still referenced by %s via %q", e.Id, e.Referrer, e.Field)
}

// ValidationError aggregates every constraint violation and custom
// check failure found in a transaction's pending set.
type ValidationError struct {
	Violations []Violation
}

type Violation struct {
	Id    string
	Field string
	Rule  string
	Cause error
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		v := e.Violations[0]
		return fmt.Sprintf("strata: validation failed for %s.%s (%s)", v.Id, v.Field, v.Rule)
	}
	return fmt.Sprintf("strata: validation failed with %d violations", len(e.Violations))
}
