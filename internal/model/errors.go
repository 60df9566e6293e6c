package model

import "github.com/rotisserie/eris"

// Error taxonomy. Callers match with eris.Is; each sentinel carries a
// distinct message because eris compares chains by message.
var (
	// ErrValidation rejects malformed input before anything is persisted.
	ErrValidation = eris.New("validation failed")

	// ErrSourceUnavailable means a source cannot be used right now. Jobs
	// against it stay pending. The specific reasons below all count as
	// unavailable; test with IsSourceUnavailable.
	ErrSourceUnavailable = eris.New("source unavailable")
	// ErrSourceBlocked: blocked_until is in the future.
	ErrSourceBlocked = eris.New("source blocked")
	// ErrRateLimited: today's access count reached the daily cap.
	ErrRateLimited = eris.New("source rate limited")
	// ErrSourceInactive: the source was disabled by an operator.
	ErrSourceInactive = eris.New("source inactive")
	// ErrBelowReliabilityFloor: reliability dropped under the admission floor.
	ErrBelowReliabilityFloor = eris.New("source below reliability floor")

	// ErrDiscoveryFailure marks a collaborator error or unusable result.
	ErrDiscoveryFailure = eris.New("discovery failed")

	// ErrMatchAmbiguous is informational: the match is left pending and
	// downstream changes are withheld.
	ErrMatchAmbiguous = eris.New("match ambiguous")

	// ErrWriteConflict means another change already holds the field.
	ErrWriteConflict = eris.New("write conflict on in-flight field")

	// ErrNotFound is returned for missing rows.
	ErrNotFound = eris.New("record not found")

	// ErrInvalidTransition rejects a status change the state machine forbids
	// or a compare-and-swap that lost.
	ErrInvalidTransition = eris.New("invalid status transition")
)

// Invalidf builds a validation error.
func Invalidf(format string, args ...any) error {
	return eris.Wrapf(ErrValidation, format, args...)
}

// IsSourceUnavailable reports whether err is any of the source availability
// errors.
func IsSourceUnavailable(err error) bool {
	for _, target := range []error{
		ErrSourceUnavailable, ErrSourceBlocked, ErrRateLimited,
		ErrSourceInactive, ErrBelowReliabilityFloor,
	} {
		if eris.Is(err, target) {
			return true
		}
	}
	return false
}
