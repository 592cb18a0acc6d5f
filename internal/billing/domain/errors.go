package domain

import "errors"

var (
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidPeriod          = errors.New("invalid_billing_period")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidEventType       = errors.New("invalid_event_type")
	ErrMissingExternalEventID = errors.New("missing_external_event_id")
	ErrInvalidTransition      = errors.New("invalid_billing_status_transition")
	ErrBillingRecordNotFound  = errors.New("billing_record_not_found")
	ErrConsistencyFault       = errors.New("billing_consistency_fault")
)
