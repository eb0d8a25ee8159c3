// Package errs holds the error taxonomy shared by the channel engine.
//
// Every failure is returned as one of these sentinels, possibly wrapped with
// context, so callers classify with errors.Is.
package errs

import "errors"

var (
	ErrInvalidKeySize       = errors.New("securechannel: invalid key size")
	ErrInvalidSignature     = errors.New("securechannel: invalid signed prekey signature")
	ErrInvalidBundle        = errors.New("securechannel: invalid key bundle")
	ErrIndexRegression      = errors.New("securechannel: ratchet index regression")
	ErrSessionExpired       = errors.New("securechannel: session expired")
	ErrDisposed             = errors.New("securechannel: connection disposed")
	ErrReplayDetected       = errors.New("securechannel: replay detected")
	ErrGapTooLarge          = errors.New("securechannel: index gap too large")
	ErrCapacityExceeded     = errors.New("securechannel: skipped key capacity exceeded")
	ErrDerivationFailed     = errors.New("securechannel: key derivation failed")
	ErrAuthenticationFailed = errors.New("securechannel: message authentication failed")
	ErrAlreadyFinalized     = errors.New("securechannel: connection already finalized")
	ErrNotFinalized         = errors.New("securechannel: connection not finalized")
	ErrKeyNotFound          = errors.New("securechannel: message key not found")
	ErrMalformedEnvelope    = errors.New("securechannel: malformed envelope")
)

// IsTerminal reports whether err must tear the session down. Retrying cannot
// fix a cryptographic trust failure, and an expired or disposed connection is
// unusable.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrDisposed)
}
