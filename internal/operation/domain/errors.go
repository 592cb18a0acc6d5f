package domain

import "errors"

var (
	ErrUnsupportedOperationType = errors.New("unsupported_operation_type")
	ErrInvalidStatus            = errors.New("invalid_operation_status")
	ErrInvalidUser              = errors.New("invalid_user")
	ErrEmptyQuery               = errors.New("empty_query")
	ErrOperationNotFound        = errors.New("operation_not_found")
)
