package protocol

import "errors"

var (
	ErrUnsupportedVersion = errors.New("protocol: unsupported frame version")
	ErrUnknownRecord      = errors.New("protocol: unknown record type")
	ErrUnexpectedRecord   = errors.New("protocol: unexpected record type")
	ErrFrameTooLarge      = errors.New("protocol: frame exceeds maximum size")
	ErrFieldTooLong       = errors.New("protocol: field exceeds maximum length")
	ErrMalformed          = errors.New("protocol: malformed record body")
)
