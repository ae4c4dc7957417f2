package calls

import "errors"

var (
	ErrDuplicateCall     = errors.New("call already active")
	ErrUnknownCall       = errors.New("call not active")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRole       = errors.New("invalid transcript role")
)
