package contract

import "errors"

var (
	ErrModelInvoke           = errors.New("model invoke failed")
	ErrValidation            = errors.New("validation failed")
	ErrInvalidMessage        = errors.New("message is empty")
	ErrToolNotFound          = errors.New("tool not found")
	ErrToolDispatch          = errors.New("tool dispatch failed")
	ErrPendingActionExists   = errors.New("a pending action is already awaiting confirmation")
	ErrConfirmationExecution = errors.New("confirmed action failed")
	ErrStoreUnavailable      = errors.New("transcript store unavailable")
)
