package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidDescriptor  = errors.New("invalid document descriptor")
	ErrConflict           = errors.New("concurrent update conflict")
	ErrRevoked            = errors.New("task revoked")
	ErrWaitTimeout        = errors.New("wait timed out")
	ErrRecoveryInProgress = errors.New("recovery already in progress")
)
