// Package piv drives the PIV application of a smart card: credential
// verification with retry-count semantics, the two-step management key
// authentication, PIN-gated and management-key-gated operations, and the
// PIN-only management key modes.
//
// A Session tracks which credentials have been authenticated since the
// connection was opened and triggers authentication lazily through a
// CredentialProvider. Sessions are bound to one connection; authentication
// state never survives the transport.
package piv

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-scp/pivscp/pkg/options"
	"github.com/go-scp/pivscp/pkg/pivtypes"

	"cunicu.li/go-iso7816/encoding/tlv"
	"github.com/samber/mo"
	"github.com/skythen/apdu"
)

// Default factory credentials.
var (
	DefaultPIN = []byte("123456")
	DefaultPUK = []byte("12345678")

	DefaultManagementKey = []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	}
)

// Transmitter exchanges one command APDU for one response APDU. A plain
// PC/SC card works as well as an established securechannel.Session.
type Transmitter interface {
	Transmit(capdu apdu.Capdu) (apdu.Rapdu, error)
}

// Session is one open connection to the PIV application. It is not safe
// for concurrent use; callers needing concurrency open independent
// connections.
type Session struct {
	tx       Transmitter
	logger   *slog.Logger
	rand     io.Reader
	provider CredentialProvider

	managementKeyAuthenticated bool
	pinVerified                bool

	// populated lazily from the card
	managementAlg pivtypes.Algorithm
}

// NewSession selects the PIV application and returns a fresh session with
// no credentials authenticated. provider may be nil if the caller performs
// all authentication explicitly.
func NewSession(tx Transmitter, provider CredentialProvider, opts ...options.Option) (*Session, error) {
	oo := options.NewOptions(opts...)

	s := &Session{
		tx:       tx,
		logger:   oo.Logger,
		rand:     oo.Rand,
		provider: provider,
	}

	if _, err := s.send(pivtypes.InsSelect, 0x04, 0x00, pivtypes.AID); err != nil {
		return nil, fmt.Errorf("cannot select PIV application: %w", err)
	}

	return s, nil
}

// Version returns the application version reported by the card.
func (s *Session) Version() (major, minor, patch byte, err error) {
	resp, err := s.send(pivtypes.InsGetVersion, 0x00, 0x00, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(resp) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected version length %d", len(resp))
	}
	return resp[0], resp[1], resp[2], nil
}

// PINVerified reports whether a VERIFY with the PIN has succeeded in this
// session.
func (s *Session) PINVerified() bool { return s.pinVerified }

// ManagementKeyAuthenticated reports whether the management key has been
// authenticated in this session.
func (s *Session) ManagementKeyAuthenticated() bool { return s.managementKeyAuthenticated }

func (s *Session) send(ins pivtypes.Instruction, p1, p2 byte, data []byte) ([]byte, error) {
	resp, err := s.tx.Transmit(apdu.Capdu{
		Ins:  byte(ins),
		P1:   p1,
		P2:   p2,
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	})
	if err != nil {
		return nil, err
	}

	out := resp.Data

	// response chaining
	for resp.SW1 == 0x61 {
		resp, err = s.tx.Transmit(apdu.Capdu{
			Ins: 0xc0, // GET RESPONSE
			Ne:  apdu.MaxLenResponseDataStandard,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
	}

	if !resp.IsSuccess() {
		return nil, pivtypes.NewStatusError(ins, resp)
	}

	s.logger.Debug("piv command", "ins", fmt.Sprintf("%02x", byte(ins)), "resp", hex.EncodeToString(out))

	return out, nil
}

func (s *Session) sendTLV(ins pivtypes.Instruction, p1, p2 byte, tvs ...tlv.TagValue) (tlv.TagValues, error) {
	data, err := tlv.EncodeBER(tvs...)
	if err != nil {
		return nil, fmt.Errorf("cannot encode command TLV: %w", err)
	}

	resp, err := s.send(ins, p1, p2, data)
	if err != nil {
		return nil, err
	}

	out, err := tlv.DecodeBER(resp)
	if err != nil {
		return nil, fmt.Errorf("cannot decode response TLV: %w", err)
	}

	return out, nil
}

// retriesFromError converts a 63 CX or 6983 status into a failed
// VerifyResult; other errors pass through.
func retriesFromError(err error) (VerifyResult, bool) {
	var sErr *pivtypes.StatusError
	if !errors.As(err, &sErr) {
		return VerifyResult{}, false
	}

	if remaining, ok := sErr.Retries().Get(); ok {
		return VerifyResult{Remaining: mo.Some(remaining)}, true
	}
	if sErr.Status() == 0x6983 {
		return VerifyResult{Remaining: mo.Some[byte](0)}, true
	}

	return VerifyResult{}, false
}
