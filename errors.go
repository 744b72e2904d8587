package norm

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("norm: record not found")

	// ErrInvalidModel is returned when the model type is invalid
	ErrInvalidModel = errors.New("norm: invalid model")

	// ErrRelationNotFound is returned when a relation method is not found
	ErrRelationNotFound = errors.New("norm: relation not found")

	// ErrInvalidRelation is returned when relation type is invalid
	ErrInvalidRelation = errors.New("norm: invalid relation type")

	// ErrDuplicateKey is returned for unique constraint violations
	ErrDuplicateKey = errors.New("norm: duplicate key violation")

	// ErrForeignKey is returned for foreign key constraint violations
	ErrForeignKey = errors.New("norm: foreign key constraint violation")

	// ErrNilPointer is returned when a nil pointer is passed
	ErrNilPointer = errors.New("norm: nil pointer")

	// ErrNilDatabase is returned when no database connection is configured
	ErrNilDatabase = errors.New("norm: no database connection configured")

	// ErrInvalidConfig is returned when relation config is invalid
	ErrInvalidConfig = errors.New("norm: invalid relation config")

	// ErrRequiresRawQuery is returned when operation requires raw query
	ErrRequiresRawQuery = errors.New("norm: operation requires raw query")

	// ErrScopeNotFound is returned when a named local scope has not been
	// registered for the model type
	ErrScopeNotFound = errors.New("norm: scope not found")

	// ErrOperationCanceled is returned when a pre-operation event listener
	// vetoes the operation by returning false. It signals control flow, not a
	// database failure: no SQL was executed and no post event fired.
	ErrOperationCanceled = errors.New("norm: operation canceled by event listener")

	// ErrNotSoftDeletable is returned when a soft-delete operation is used on
	// a model without a deleted_at column
	ErrNotSoftDeletable = errors.New("norm: model has no deleted_at column")
)

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL query that failed
	Args      []any  // The query arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE, DELETE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	argsStr := formatArgs(e.Args)
	return fmt.Sprintf("norm: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, argsStr)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// RelationError wraps relation loading failures with context
type RelationError struct {
	Relation  string // Name of the relation
	ModelType string // Type of the model
	Err       error  // The underlying error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("norm: relation '%s' error on model %s: %v",
		e.Relation, e.ModelType, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// WrapQueryError wraps a database error with query context
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	// Check for constraint violations
	errMsg := err.Error()
	if strings.Contains(errMsg, "duplicate key") ||
		strings.Contains(errMsg, "UNIQUE constraint") ||
		strings.Contains(errMsg, "unique constraint") {
		return &QueryError{
			Query:     query,
			Args:      args,
			Operation: operation,
			Err:       fmt.Errorf("%w: %v", ErrDuplicateKey, err),
		}
	}

	if strings.Contains(errMsg, "foreign key") ||
		strings.Contains(errMsg, "FOREIGN KEY constraint") {
		return &QueryError{
			Query:     query,
			Args:      args,
			Operation: operation,
			Err:       fmt.Errorf("%w: %v", ErrForeignKey, err),
		}
	}

	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

// WrapRelationError wraps a relation error with context
func WrapRelationError(relation, modelType string, err error) error {
	if err == nil {
		return nil
	}
	return &RelationError{
		Relation:  relation,
		ModelType: modelType,
		Err:       err,
	}
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsCanceled checks if the error signals an event-listener veto
func IsCanceled(err error) bool {
	return errors.Is(err, ErrOperationCanceled)
}

// IsConstraintViolation checks if the error is a constraint violation
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrForeignKey)
}

// IsDuplicateKey checks if the error is a duplicate key violation
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsForeignKeyViolation checks if the error is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	// Limit output length
	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
