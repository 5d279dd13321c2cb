package piv

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" //nolint:gosec
	"errors"
	"fmt"
	"io"

	"github.com/go-scp/pivscp/pkg/pivtypes"

	"cunicu.li/go-iso7816/encoding/tlv"
	"github.com/samber/mo"
)

// Dynamic authentication template sub-tags (SP 800-73-4 part 2).
const (
	tagDynAuth   = 0x7c
	tagWitness   = 0x80
	tagChallenge = 0x81
	tagResponse  = 0x82
)

// VerifyResult is the outcome of a credential presentation. A wrong
// credential is an expected outcome, not an error: OK is false and
// Remaining carries the retry count the card reported (capped at 15 by the
// 4-bit status field). Remaining is absent on success, since success resets
// the count to its ceiling without reporting it.
type VerifyResult struct {
	OK        bool
	Remaining mo.Option[byte]
}

// Blocked reports whether the credential can no longer be presented at all.
func (r VerifyResult) Blocked() bool {
	remaining, ok := r.Remaining.Get()
	return ok && remaining == 0
}

// encodePIN validates and pads a PIN or PUK into the fixed 8-byte field.
func encodePIN(pin []byte) ([]byte, error) {
	if len(pin) < 6 || len(pin) > 8 {
		return nil, ErrInvalidPINLength
	}

	data := bytes.Repeat([]byte{0xff}, 8)
	copy(data, pin)
	return data, nil
}

// VerifyPIN presents the PIN. On success the session's PIN-verified flag is
// set; on a wrong PIN the result reports the remaining retries and the flag
// stays unset. Only malformed input or a channel fault produce an error.
func (s *Session) VerifyPIN(pin []byte) (VerifyResult, error) {
	return s.verify(pivtypes.KeyRefPIN, pin)
}

func (s *Session) verify(ref pivtypes.KeyReference, pin []byte) (VerifyResult, error) {
	data, err := encodePIN(pin)
	if err != nil {
		return VerifyResult{}, err
	}

	if _, err := s.send(pivtypes.InsVerify, 0x00, byte(ref), data); err != nil {
		if res, ok := retriesFromError(err); ok {
			return res, nil
		}
		return VerifyResult{}, err
	}

	if ref == pivtypes.KeyRefPIN {
		s.pinVerified = true
	}

	return VerifyResult{OK: true}, nil
}

// Retries probes the remaining PIN retry count without consuming an
// attempt by sending a VERIFY with an empty data field.
func (s *Session) Retries() (byte, error) {
	_, err := s.send(pivtypes.InsVerify, 0x00, byte(pivtypes.KeyRefPIN), nil)
	if err == nil {
		return 0, errors.New("piv: expected status with retry count, got success")
	}

	if res, ok := retriesFromError(err); ok {
		return res.Remaining.MustGet(), nil
	}

	return 0, err
}

// ChangePIN sets a new PIN. The current PIN travels inline with the
// command; prior VerifyPIN state is neither consulted nor required. A
// malformed new PIN is rejected before any card round trip.
func (s *Session) ChangePIN(current, newPIN []byte) (VerifyResult, error) {
	return s.changeReference(pivtypes.KeyRefPIN, current, newPIN)
}

// ChangePUK sets a new PUK; semantics mirror ChangePIN.
func (s *Session) ChangePUK(current, newPUK []byte) (VerifyResult, error) {
	return s.changeReference(pivtypes.KeyRefPUK, current, newPUK)
}

func (s *Session) changeReference(ref pivtypes.KeyReference, current, next []byte) (VerifyResult, error) {
	currentData, err := encodePIN(current)
	if err != nil {
		return VerifyResult{}, err
	}
	nextData, err := encodePIN(next)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("new value: %w", err)
	}

	if _, err := s.send(pivtypes.InsChangeReferenceData, 0x00, byte(ref), append(currentData, nextData...)); err != nil {
		if res, ok := retriesFromError(err); ok {
			return res, nil
		}
		return VerifyResult{}, err
	}

	return VerifyResult{OK: true}, nil
}

// UnblockPIN resets a blocked PIN using the PUK. The PUK travels inline;
// a wrong PUK decrements the PUK retry counter.
func (s *Session) UnblockPIN(puk, newPIN []byte) (VerifyResult, error) {
	pukData, err := encodePIN(puk)
	if err != nil {
		return VerifyResult{}, err
	}
	pinData, err := encodePIN(newPIN)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("new PIN: %w", err)
	}

	if _, err := s.send(pivtypes.InsResetRetryCounter, 0x00, byte(pivtypes.KeyRefPIN), append(pukData, pinData...)); err != nil {
		if res, ok := retriesFromError(err); ok {
			return res, nil
		}
		return VerifyResult{}, err
	}

	return VerifyResult{OK: true}, nil
}

// AuthenticateManagementKey performs the single-direction two-step
// challenge/response: the card issues a challenge, the host proves key
// possession. Success sets the management key flag for this session.
func (s *Session) AuthenticateManagementKey(key []byte) error {
	_, err := s.authenticateManagementKey(key, false)
	return err
}

// AuthenticateManagementKeyMutual additionally challenges the card with a
// fresh host-generated challenge. If the client direction succeeds but the
// card's proof does not verify, ErrCardAuthentication is returned and the
// management key flag stays unset.
func (s *Session) AuthenticateManagementKeyMutual(key []byte) error {
	_, err := s.authenticateManagementKey(key, true)
	return err
}

func (s *Session) authenticateManagementKey(key []byte, mutual bool) (pivtypes.Algorithm, error) {
	alg, block, err := s.managementCipher(key)
	if err != nil {
		return 0, err
	}

	// Step one: ask the card for a challenge.
	resp, err := s.sendTLV(pivtypes.InsGeneralAuthenticate, byte(alg), byte(pivtypes.KeyRefManagement),
		tlv.New(tagDynAuth,
			tlv.New(tagChallenge),
		),
	)
	if err != nil {
		return 0, err
	}

	cardChallenge, _, ok := resp.GetChild(tagDynAuth, tagChallenge)
	if !ok {
		return 0, errors.New("piv: authenticate response is missing the card challenge")
	}
	if len(cardChallenge) != block.BlockSize() {
		return 0, fmt.Errorf("piv: card challenge has length %d, want %d", len(cardChallenge), block.BlockSize())
	}

	response := make([]byte, block.BlockSize())
	block.Encrypt(response, cardChallenge)

	complete := []tlv.TagValue{tlv.New(tagResponse, response)}

	var hostChallenge, expected []byte
	if mutual {
		hostChallenge = make([]byte, block.BlockSize())
		if _, err := io.ReadFull(s.rand, hostChallenge); err != nil {
			return 0, fmt.Errorf("cannot generate host challenge: %w", err)
		}

		expected = make([]byte, block.BlockSize())
		block.Encrypt(expected, hostChallenge)

		complete = append(complete, tlv.New(tagChallenge, hostChallenge))
	}

	completeData, err := tlv.EncodeBER(complete...)
	if err != nil {
		return 0, fmt.Errorf("cannot encode authentication template: %w", err)
	}

	resp, err = s.sendTLV(pivtypes.InsGeneralAuthenticate, byte(alg), byte(pivtypes.KeyRefManagement),
		tlv.New(tagDynAuth, completeData),
	)
	if err != nil {
		if errors.Is(err, pivtypes.ErrSecurityStatus) {
			return 0, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		return 0, err
	}

	if mutual {
		cardResponse, _, ok := resp.GetChild(tagDynAuth, tagResponse)
		if !ok {
			return 0, errors.New("piv: authenticate response is missing the card response")
		}
		if !bytes.Equal(cardResponse, expected) {
			// The client direction already succeeded; only the card's
			// proof is missing.
			return 0, ErrCardAuthentication
		}
	}

	s.managementKeyAuthenticated = true

	return alg, nil
}

// managementCipher selects the block cipher for the management key based on
// the algorithm the card reports for the management slot, falling back to
// key-length heuristics when metadata is unavailable.
func (s *Session) managementCipher(key []byte) (pivtypes.Algorithm, cipher.Block, error) {
	alg := s.managementAlg
	if alg == 0 {
		if meta, err := s.ManagementKeyMetadata(); err == nil {
			alg = meta.Algorithm
		}
	}
	if alg == 0 {
		switch len(key) {
		case 16:
			alg = pivtypes.AlgAES128
		case 24:
			alg = pivtypes.Alg3DES
		case 32:
			alg = pivtypes.AlgAES256
		default:
			return 0, nil, ErrInvalidKeyLength
		}
	}
	s.managementAlg = alg

	if alg.KeyLen() != len(key) {
		return 0, nil, ErrInvalidKeyLength
	}

	var (
		block cipher.Block
		err   error
	)
	if alg == pivtypes.Alg3DES {
		block, err = des.NewTripleDESCipher(key) //nolint:gosec
	} else {
		block, err = aes.NewCipher(key)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("cannot create management key cipher: %w", err)
	}

	return alg, block, nil
}

// EnsurePINVerified makes sure the PIN has been verified in this session,
// collecting it from the provider if necessary. It is consumed before
// operations whose PIN policy requires session state; inline-credential
// commands never use it.
func (s *Session) EnsurePINVerified() error {
	if s.pinVerified {
		return nil
	}
	return s.verifyPINFromProvider()
}

func (s *Session) verifyPINFromProvider() error {
	if s.provider == nil {
		return ErrNoCredentialProvider
	}

	pin, err := s.provider.PIN()
	if err != nil {
		return fmt.Errorf("cannot collect PIN: %w", err)
	}

	res, err := s.VerifyPIN(pin)
	if err != nil {
		return err
	}
	if res.Blocked() {
		return fmt.Errorf("PIN is blocked: %w", pivtypes.ErrCredentialBlocked)
	}
	if !res.OK {
		return fmt.Errorf("PIN verification failed, %d retries remaining: %w",
			res.Remaining.OrElse(0), pivtypes.ErrSecurityStatus)
	}

	return nil
}

// EnsureManagementKey makes sure the management key has been authenticated
// in this session. A configured PIN-only mode is honored before falling
// back to the provider; the factory default key is tried silently first so
// unprovisioned cards never prompt.
func (s *Session) EnsureManagementKey() error {
	if s.managementKeyAuthenticated {
		return nil
	}

	if mode, err := s.PINOnlyMode(); err == nil && mode != PINOnlyNone {
		if s.provider == nil {
			return ErrNoCredentialProvider
		}
		pin, err := s.provider.PIN()
		if err != nil {
			return fmt.Errorf("cannot collect PIN: %w", err)
		}
		return s.AuthenticateWithPIN(pin)
	}

	if err := s.AuthenticateManagementKey(DefaultManagementKey); err == nil {
		return nil
	}

	if s.provider == nil {
		return ErrNoCredentialProvider
	}
	key, err := s.provider.ManagementKey()
	if err != nil {
		return fmt.Errorf("cannot collect management key: %w", err)
	}

	return s.AuthenticateManagementKey(key)
}

// SetManagementKey replaces the management key. The current key must have
// been authenticated in this session (lazily ensured).
func (s *Session) SetManagementKey(newKey []byte, alg pivtypes.Algorithm, touch bool) error {
	if alg.KeyLen() != len(newKey) {
		return ErrInvalidKeyLength
	}

	if err := s.EnsureManagementKey(); err != nil {
		return err
	}

	p2 := byte(0xff)
	if touch {
		p2 = 0xfe
	}

	data := append([]byte{byte(alg), byte(pivtypes.KeyRefManagement), byte(len(newKey))}, newKey...)
	if _, err := s.send(pivtypes.InsSetManagementKey, 0xff, p2, data); err != nil {
		return err
	}

	s.managementAlg = alg

	return nil
}

// SetRetries configures the PIN and PUK retry ceilings (1 to 255 each).
// Requires both the management key and the PIN; resets both credentials to
// their factory default values as a side effect.
func (s *Session) SetRetries(pinAttempts, pukAttempts byte) error {
	if pinAttempts == 0 || pukAttempts == 0 {
		return fmt.Errorf("piv: retry ceilings must be at least 1: %w", pivtypes.ErrIncorrectParameters)
	}

	if err := s.EnsureManagementKey(); err != nil {
		return err
	}
	if err := s.EnsurePINVerified(); err != nil {
		return err
	}

	_, err := s.send(pivtypes.InsSetPINRetries, pinAttempts, pukAttempts, nil)
	return err
}

// Sign computes a raw signature over digest with the slot's key, honoring
// the slot's PIN policy: "Always" collects and presents the PIN on every
// call, "Once" requires one successful VerifyPIN per session.
func (s *Session) Sign(slot pivtypes.Slot, digest []byte) ([]byte, error) {
	meta, err := s.SlotMetadata(slot)
	if err != nil {
		return nil, err
	}

	switch meta.PINPolicy {
	case pivtypes.PINPolicyAlways:
		if err := s.verifyPINFromProvider(); err != nil {
			return nil, err
		}
	case pivtypes.PINPolicyOnce:
		if err := s.EnsurePINVerified(); err != nil {
			return nil, err
		}
	}

	resp, err := s.sendTLV(pivtypes.InsGeneralAuthenticate, byte(meta.Algorithm), byte(slot),
		tlv.New(tagDynAuth,
			tlv.New(tagResponse),
			tlv.New(tagChallenge, digest),
		),
	)
	if err != nil {
		return nil, err
	}

	sig, _, ok := resp.GetChild(tagDynAuth, tagResponse)
	if !ok {
		return nil, errors.New("piv: sign response is missing the signature")
	}

	return sig, nil
}
