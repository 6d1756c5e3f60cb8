package logging

import (
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// OperationError ties a failure to the operation and verification request
// it belongs to. Attempts is set when the operation was retried.
type OperationError struct {
	Operation string
	RequestID string
	Attempts  int
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.RequestID != "" {
		b.WriteString(" [")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	if e.Attempts > 1 {
		b.WriteString(" after ")
		b.WriteString(strconv.Itoa(e.Attempts))
		b.WriteString(" attempts")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err. A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	return NewRetryError(operation, requestID, 0, err)
}

// NewRetryError is NewOperationError for an operation that ran attempts times.
func NewRetryError(operation, requestID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Attempts: attempts, Err: err}
}

// ErrorFields returns zap fields for err, plus the failing operation and
// attempt count when err carries an OperationError.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return fields
	}
	fields = append(fields, zap.String("failed_operation", opErr.Operation))
	if opErr.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", opErr.Attempts))
	}
	return fields
}
