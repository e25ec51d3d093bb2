package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// OperationError ties a failure to the request that triggered it.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	switch {
	case e == nil || e.Err == nil:
		return ""
	case e.RequestID == "":
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	default:
		return fmt.Sprintf("%s [%s]: %v", e.Operation, e.RequestID, e.Err)
	}
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MarshalLogObject lets the error be logged with zap.Object as separate fields.
func (e *OperationError) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if e == nil {
		return nil
	}
	enc.AddString("operation", e.Operation)
	if e.RequestID != "" {
		enc.AddString("request_id", e.RequestID)
	}
	if e.Err != nil {
		enc.AddString("cause", e.Err.Error())
	}
	return nil
}

// NewOperationError returns nil when err is nil.
func NewOperationError(operation, requestID string, err error) *OperationError {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}
