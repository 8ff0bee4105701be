package errors

import "errors"

// Crypto errors.
var (
	ErrMalformedBlob         = errors.New("malformed encrypted blob")
	ErrAuthenticationFailure = errors.New("blob authentication failed")
	ErrKeyDerivation         = errors.New("key derivation failed")
)

// Remote store errors.
var (
	ErrAuthFailure = errors.New("remote store authorization failed")
	ErrRemoteStore = errors.New("remote store request failed")
)

// Local cache errors. Never fatal.
var (
	ErrLocalCache = errors.New("local fallback cache failure")
)

// Ledger errors.
var (
	ErrSnapshotFormat = errors.New("unsupported snapshot format")
	ErrNotFound       = errors.New("record not found")
)
