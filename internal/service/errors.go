package service

import "errors"

var (
	// ErrInvalidUser marks a create request with a missing or oversized login.
	ErrInvalidUser = errors.New("invalid user")

	// ErrInvalidPasswd marks a create request with no secret.
	ErrInvalidPasswd = errors.New("invalid password")

	// ErrInvalidName marks a create request with no display name.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidID marks an id-form identifier that resolves to no account.
	ErrInvalidID = errors.New("invalid id")
)
