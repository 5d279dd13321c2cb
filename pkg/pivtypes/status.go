package pivtypes

import (
	"errors"
	"fmt"

	"github.com/samber/mo"
	"github.com/skythen/apdu"
)

var (
	// ErrSecurityStatus is returned when the card demands an authentication
	// (PIN, touch or management key) that has not been satisfied.
	ErrSecurityStatus = errors.New("pivtypes: security status not satisfied")
	// ErrCredentialBlocked is returned when the remaining retry count of the
	// referenced credential reached zero. Retrying with the correct value
	// will not succeed until the credential is unblocked.
	ErrCredentialBlocked = errors.New("pivtypes: authentication method blocked")
	// ErrNotFound is returned when the referenced data object or application
	// does not exist on the card.
	ErrNotFound = errors.New("pivtypes: data object or application not found")
	// ErrWrongLength is returned for malformed command lengths.
	ErrWrongLength = errors.New("pivtypes: wrong command length")
	// ErrIncorrectParameters is returned for invalid P1/P2 or data field contents.
	ErrIncorrectParameters = errors.New("pivtypes: incorrect command parameters")
	// ErrConditionsNotSatisfied is returned when the command is not allowed
	// in the current card state.
	ErrConditionsNotSatisfied = errors.New("pivtypes: conditions of use not satisfied")
)

// StatusError is a non-success status word returned by the card, annotated
// with the instruction that produced it.
type StatusError struct {
	Ins Instruction
	SW1 byte
	SW2 byte
}

func NewStatusError(ins Instruction, resp apdu.Rapdu) *StatusError {
	return &StatusError{Ins: ins, SW1: resp.SW1, SW2: resp.SW2}
}

// Status returns the two-byte status word.
func (e *StatusError) Status() uint16 {
	return uint16(e.SW1)<<8 | uint16(e.SW2)
}

func (e *StatusError) Error() string {
	if u := e.Unwrap(); u != nil {
		return fmt.Sprintf("ins %02x failed with status %04x: %s", byte(e.Ins), e.Status(), u)
	}
	if retries, ok := e.Retries().Get(); ok {
		return fmt.Sprintf("ins %02x: verification failed, %d retries remaining", byte(e.Ins), retries)
	}
	return fmt.Sprintf("ins %02x failed with status %04x", byte(e.Ins), e.Status())
}

func (e *StatusError) Unwrap() error {
	switch e.Status() {
	case 0x6982:
		return ErrSecurityStatus
	case 0x6983:
		return ErrCredentialBlocked
	case 0x6a82, 0x6a88:
		return ErrNotFound
	case 0x6700:
		return ErrWrongLength
	case 0x6a80, 0x6a86, 0x6b00:
		return ErrIncorrectParameters
	case 0x6985:
		return ErrConditionsNotSatisfied
	default:
		return nil
	}
}

// Retries extracts the remaining-count nibble from a 63 CX status word.
// The field is four bits wide, so a card with more than 15 retries left
// still reports 15.
func (e *StatusError) Retries() mo.Option[byte] {
	if e.SW1 == 0x63 && e.SW2&0xf0 == 0xc0 {
		return mo.Some(e.SW2 & 0x0f)
	}
	return mo.None[byte]()
}

// RetryState is the configured ceiling and the current remaining count of a
// credential. Remaining is capped at 15 when observed through a status word.
type RetryState struct {
	Attempts  byte
	Remaining byte
}
