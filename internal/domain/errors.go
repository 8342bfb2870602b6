package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrNotOwner             = errors.New("not owner")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrConflict             = errors.New("conflict")
	ErrInvalidArgument      = errors.New("invalid argument")
)
