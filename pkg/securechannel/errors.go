package securechannel

import (
	"errors"
	"fmt"

	"github.com/skythen/apdu"
)

var (
	// ErrAuthentication is returned when a cryptogram or receipt does not
	// verify, or the card refuses the handshake. The long-term key material
	// was wrong; no session keys have been derived.
	ErrAuthentication = errors.New("securechannel: authentication failed")

	// ErrMACVerification is returned when a response MAC does not match the
	// expected value for the current counter. The channel is unusable
	// afterwards and must be re-established.
	ErrMACVerification = errors.New("securechannel: response MAC verification failed")

	// ErrChannelBroken is returned for any use of a session after a MAC
	// failure or a transport fault. The card-side counter state can no
	// longer be trusted.
	ErrChannelBroken = errors.New("securechannel: channel is broken, re-establish the session")

	// ErrCertificateNotAllowed is returned when the card rejects an OCE
	// certificate whose serial is absent from a populated allow-list, even
	// though the certificate itself verifies.
	ErrCertificateNotAllowed = errors.New("securechannel: certificate serial not on allow-list")

	// ErrUnsupportedProtocol is returned when the card negotiates an SCP
	// identifier this package does not speak.
	ErrUnsupportedProtocol = errors.New("securechannel: unsupported secure channel protocol")

	// ErrInvalidSecurityLevel is returned for level combinations the
	// protocol does not define, such as R-ENC without R-MAC.
	ErrInvalidSecurityLevel = errors.New("securechannel: R-ENC requires R-MAC")
)

// StatusError is a non-success status word received during channel
// establishment or an administrative command.
type StatusError struct {
	Ins byte
	SW1 byte
	SW2 byte
}

func newStatusError(ins byte, resp apdu.Rapdu) *StatusError {
	return &StatusError{Ins: ins, SW1: resp.SW1, SW2: resp.SW2}
}

func (e *StatusError) Status() uint16 {
	return uint16(e.SW1)<<8 | uint16(e.SW2)
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("securechannel: ins %02x failed with status %04x", e.Ins, e.Status())
}

func (e *StatusError) Unwrap() error {
	switch e.Status() {
	case 0x6300, 0x6982, 0x6983:
		return ErrAuthentication
	default:
		return nil
	}
}
