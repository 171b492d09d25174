package provisioning

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Result is the outcome of a single provisioning step.
type Result int

const (
	// Created means the step changed the database. For DropDatabase it means
	// the database was removed by this call.
	Created Result = iota
	// AlreadyPresent means the object already existed (or, for drops, was
	// already gone) and nothing was changed.
	AlreadyPresent
	// Failed means the step could not be applied.
	Failed
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyPresent:
		return "already_present"
	default:
		return "failed"
	}
}

// SQLSTATE codes that mean the object a DDL statement creates already exists.
const (
	codeDuplicateDatabase = "42P04"
	codeDuplicateTable    = "42P07" // also raised for duplicate indexes
	codeDuplicateColumn   = "42701"
	codeDuplicateObject   = "42710" // types, constraints, enum labels
	codeDuplicateSchema   = "42P06"
	// Two sessions racing on CREATE TYPE collide on pg_type's unique index.
	codeUniqueViolation = "23505"
)

// Classify maps the error returned by a DDL statement to a Result. Only the
// SQLSTATE of a *pgconn.PgError is considered; message text never is.
func Classify(err error) Result {
	if err == nil {
		return Created
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Failed
	}
	switch pgErr.Code {
	case codeDuplicateDatabase, codeDuplicateTable, codeDuplicateColumn,
		codeDuplicateObject, codeDuplicateSchema, codeUniqueViolation:
		return AlreadyPresent
	}
	return Failed
}
