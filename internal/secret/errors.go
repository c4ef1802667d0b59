package secret

import "errors"

var (
	// ErrInvalidSecret is the single credential-mismatch error. It is
	// deliberately generic: callers must not be able to distinguish an
	// unknown account from a wrong secret, or which verification branch
	// failed.
	ErrInvalidSecret = errors.New("invalid user name or password")

	// ErrUnknownScheme is returned by Prepare when the configured hash
	// scheme is not one of the supported values.
	ErrUnknownScheme = errors.New("unknown secret hash scheme")
)
