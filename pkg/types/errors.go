package types

import "errors"

var (
	ErrCorruptBundle       = errors.New("corrupt bundle")
	ErrInvalidManifest     = errors.New("invalid manifest")
	ErrDestinationConflict = errors.New("destination not empty")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrTokenInvalid        = errors.New("transfer token invalid or expired")
	ErrBundleNotFound      = errors.New("bundle not found")
	ErrPeerUnavailable     = errors.New("peer unavailable")
	ErrTransferFailed      = errors.New("transfer failed")
)
