package engine

import (
	"errors"
	"fmt"

	"rocket-dataservice/internal/repository"
	"rocket-dataservice/internal/store"
)

// Error codes carried by AppError and the response envelope.
const (
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodeNotFound              = "NOT_FOUND"
	CodeConstraintViolation   = "CONSTRAINT_VIOLATION"
	CodeBusinessLogicFailure  = "BUSINESS_LOGIC_FAILURE"
	CodeSystemRecordProtected = "SYSTEM_RECORD_PROTECTED"
	CodeUnknownEntity         = "UNKNOWN_ENTITY"
	CodeInvalidPayload        = "INVALID_PAYLOAD"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInternal              = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
	// Log is the diagnostic text; Message is safe to show end users.
	Log string `json:"-"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

// LogMessage returns the diagnostic text, falling back to Message.
func (e *AppError) LogMessage() string {
	if e.Log != "" {
		return e.Log
	}
	return e.Message
}

// WithLog attaches diagnostic text.
func (e *AppError) WithLog(format string, args ...any) *AppError {
	e.Log = fmt.Sprintf(format, args...)
	return e
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    CodeUnknownEntity,
		Status:  404,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func PermissionDeniedError(entity, op string) *AppError {
	return &AppError{
		Code:    CodePermissionDenied,
		Status:  403,
		Message: fmt.Sprintf("Permission denied: %s on %s", op, entity),
	}
}

func ConstraintError(msg string) *AppError {
	return &AppError{Code: CodeConstraintViolation, Status: 409, Message: msg}
}

func BusinessLogicError(msg string) *AppError {
	return &AppError{Code: CodeBusinessLogicFailure, Status: 422, Message: msg}
}

func SystemRecordError(entity, id string) *AppError {
	return &AppError{
		Code:    CodeSystemRecordProtected,
		Status:  403,
		Message: fmt.Sprintf("%s %s is a system record and cannot be modified", entity, id),
	}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: CodeInvalidPayload, Status: 400, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: CodeUnauthorized, Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: CodePermissionDenied, Status: 403, Message: msg}
}

func InternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Status:  500,
		Message: "An internal error occurred",
		Log:     err.Error(),
	}
}

// statusFor maps a code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case CodeValidationFailed, CodeBusinessLogicFailure:
		return 422
	case CodePermissionDenied, CodeSystemRecordProtected:
		return 403
	case CodeNotFound, CodeUnknownEntity:
		return 404
	case CodeConstraintViolation:
		return 409
	case CodeInvalidPayload:
		return 400
	case CodeUnauthorized:
		return 401
	case "":
		return 200
	}
	return 500
}

// storageError classifies a repository error. entity and id name the
// record in not-found messages.
func storageError(err error, entity, id string) *AppError {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrNotFound):
		return NotFoundError(entity, id).WithLog("%v", err)
	case errors.Is(err, store.ErrUniqueViolation):
		return ConstraintError("A record with this value already exists").WithLog("%v", err)
	case errors.Is(err, repository.ErrConstraint):
		return ConstraintError("The change violates a data constraint").WithLog("%v", err)
	case errors.Is(err, repository.ErrUnknownTable):
		return UnknownEntityError(entity).WithLog("%v", err)
	case errors.Is(err, repository.ErrUnknownField), errors.Is(err, repository.ErrInvalidQuery):
		return ValidationError([]ErrorDetail{{Message: err.Error()}}).WithLog("%v", err)
	}
	return InternalError(err)
}
