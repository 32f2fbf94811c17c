package coapcore

import "errors"

var (
	ErrInvalid         = errors.New("invalid argument")
	ErrBadMessage      = errors.New("bad message")
	ErrIllegalSequence = errors.New("illegal option sequence")
	ErrMessageSize     = errors.New("message size mismatch")
	ErrNotSupported    = errors.New("method not supported")
	ErrNotPermitted    = errors.New("method not permitted")
	ErrNotFound        = errors.New("not found")
	ErrMaxAttempts     = errors.New("max attempts")
)
