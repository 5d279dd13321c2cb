package piv

import "errors"

var (
	// ErrInvalidPINLength is returned before any card round trip when a PIN
	// or PUK is not 6 to 8 bytes. This is a programming error, not a failed
	// verification.
	ErrInvalidPINLength = errors.New("piv: PIN/PUK must be 6 to 8 bytes")

	// ErrInvalidKeyLength is returned when a management key does not match
	// the exact length its algorithm requires.
	ErrInvalidKeyLength = errors.New("piv: invalid management key length")

	// ErrAuthenticationFailed is returned when the card rejects the
	// presented management key.
	ErrAuthenticationFailed = errors.New("piv: management key authentication failed")

	// ErrCardAuthentication is returned by mutual authentication when the
	// client authenticated successfully but the card failed to prove
	// possession of the same key.
	ErrCardAuthentication = errors.New("piv: card authentication failed")

	// ErrNoCredentialProvider is returned when a lazily gated operation
	// needs a credential and no provider was supplied.
	ErrNoCredentialProvider = errors.New("piv: no credential provider configured")

	// ErrPINOnlyNotConfigured is returned when PIN-only authentication is
	// requested but neither mode is set up on the card.
	ErrPINOnlyNotConfigured = errors.New("piv: PIN-only management key mode not configured")

	// ErrStorageCorrupt is returned when the PIN-only storage objects hold
	// recognizable but inconsistent data. Unlike a wrong credential this
	// indicates another actor wrote incompatible data.
	ErrStorageCorrupt = errors.New("piv: PIN-only storage objects are corrupt")
)
