package piv

import (
	"crypto/sha1" //nolint:gosec
	"errors"
	"fmt"
	"io"

	"github.com/go-scp/pivscp/pkg/pivtypes"

	"cunicu.li/go-iso7816/encoding/tlv"
	"github.com/samber/mo"
	"golang.org/x/crypto/pbkdf2"
)

// PINOnlyMode is the configured management-key-without-entry mode.
type PINOnlyMode int

const (
	// PINOnlyNone means neither mode is set up; the management key must be
	// supplied explicitly.
	PINOnlyNone PINOnlyMode = iota
	// PINOnlyProtected stores a random management key in a PIN-gated data
	// object on the token.
	PINOnlyProtected
	// PINOnlyDerived re-derives the management key from the PIN and a
	// stored salt on every use.
	//
	// Deprecated: retained for reading cards provisioned by older tools;
	// new setups should use PINOnlyProtected.
	PINOnlyDerived
)

// Layout of the admin data object and the repurposed printed object.
const (
	tagAdminContainer = 0x80
	tagAdminFlags     = 0x81
	tagAdminSalt      = 0x82
	tagAdminTimestamp = 0x83

	tagProtectedContainer = 0x88
	tagProtectedKey       = 0x89

	flagPUKBlocked   = 0x01
	flagMgmKeyStored = 0x02

	saltLen       = 16
	pbkdf2Rounds  = 10000
	derivedKeyLen = 24
)

// adminData is the parsed content of the pivman admin object. Absence of
// the object altogether is represented by mo.None at the read site, not by
// a zero value.
type adminData struct {
	pukBlocked   bool
	mgmKeyStored bool
	salt         []byte
	timestamp    []byte
}

func (s *Session) readAdminData() (mo.Option[adminData], error) {
	raw, err := s.GetData(pivtypes.ObjectPivman)
	if err != nil {
		if errors.Is(err, pivtypes.ErrNotFound) {
			return mo.None[adminData](), nil
		}
		return mo.None[adminData](), err
	}

	tvs, err := tlv.DecodeBER(raw)
	if err != nil {
		// Unparseable data is treated as not configured, not as an error;
		// another application may use the object for unrelated content.
		return mo.None[adminData](), nil
	}

	container, _, ok := tvs.Get(tagAdminContainer)
	if !ok {
		return mo.None[adminData](), nil
	}

	fields, err := tlv.DecodeBER(container)
	if err != nil {
		return mo.None[adminData](), nil
	}

	var d adminData
	if v, _, ok := fields.Get(tagAdminFlags); ok && len(v) == 1 {
		d.pukBlocked = v[0]&flagPUKBlocked != 0
		d.mgmKeyStored = v[0]&flagMgmKeyStored != 0
	}
	if v, _, ok := fields.Get(tagAdminSalt); ok {
		d.salt = v
	}
	if v, _, ok := fields.Get(tagAdminTimestamp); ok {
		d.timestamp = v
	}

	return mo.Some(d), nil
}

func (s *Session) writeAdminData(d adminData) error {
	var flags byte
	if d.pukBlocked {
		flags |= flagPUKBlocked
	}
	if d.mgmKeyStored {
		flags |= flagMgmKeyStored
	}

	fields := []tlv.TagValue{tlv.New(tagAdminFlags, []byte{flags})}
	if d.salt != nil {
		fields = append(fields, tlv.New(tagAdminSalt, d.salt))
	}
	if d.timestamp != nil {
		fields = append(fields, tlv.New(tagAdminTimestamp, d.timestamp))
	}

	inner, err := tlv.EncodeBER(fields...)
	if err != nil {
		return fmt.Errorf("cannot encode admin fields: %w", err)
	}

	value, err := tlv.EncodeBER(tlv.New(tagAdminContainer, inner))
	if err != nil {
		return fmt.Errorf("cannot encode admin object: %w", err)
	}

	return s.PutData(pivtypes.ObjectPivman, value)
}

// PINOnlyMode reports which PIN-only mode is configured. Absent or
// unparseable storage reads as PINOnlyNone; recognizably inconsistent
// storage is ErrStorageCorrupt.
func (s *Session) PINOnlyMode() (PINOnlyMode, error) {
	od, err := s.readAdminData()
	if err != nil {
		return PINOnlyNone, err
	}

	d, present := od.Get()
	if !present {
		return PINOnlyNone, nil
	}

	if d.mgmKeyStored {
		return PINOnlyProtected, nil
	}
	if d.salt != nil {
		if len(d.salt) != saltLen {
			return PINOnlyNone, fmt.Errorf("admin object salt has length %d: %w", len(d.salt), ErrStorageCorrupt)
		}
		return PINOnlyDerived, nil
	}

	return PINOnlyNone, nil
}

// AuthenticateWithPIN authenticates the management key using only the PIN,
// honoring whichever PIN-only mode is configured. PIN-derived mode needs
// the raw PIN on every call; a prior VerifyPIN is not a substitute.
func (s *Session) AuthenticateWithPIN(pin []byte) error {
	mode, err := s.PINOnlyMode()
	if err != nil {
		return err
	}

	switch mode {
	case PINOnlyDerived:
		od, err := s.readAdminData()
		if err != nil {
			return err
		}
		d, _ := od.Get()

		return s.AuthenticateManagementKey(deriveManagementKey(pin, d.salt))

	case PINOnlyProtected:
		key, err := s.protectedKey(pin)
		if err != nil {
			return err
		}
		return s.AuthenticateManagementKey(key)

	default:
		return ErrPINOnlyNotConfigured
	}
}

// protectedKey verifies the PIN and reads the wrapped management key from
// the PIN-gated printed object.
func (s *Session) protectedKey(pin []byte) ([]byte, error) {
	res, err := s.VerifyPIN(pin)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("PIN verification failed, %d retries remaining: %w",
			res.Remaining.OrElse(0), pivtypes.ErrSecurityStatus)
	}

	raw, err := s.GetData(pivtypes.ObjectPrinted)
	if err != nil {
		if errors.Is(err, pivtypes.ErrNotFound) {
			// The admin flags promised a stored key.
			return nil, fmt.Errorf("printed object is missing: %w", ErrStorageCorrupt)
		}
		return nil, err
	}

	tvs, err := tlv.DecodeBER(raw)
	if err != nil {
		return nil, fmt.Errorf("printed object is not TLV: %w", ErrStorageCorrupt)
	}

	container, _, ok := tvs.Get(tagProtectedContainer)
	if !ok {
		return nil, fmt.Errorf("printed object holds unrelated data: %w", ErrStorageCorrupt)
	}

	fields, err := tlv.DecodeBER(container)
	if err != nil {
		return nil, fmt.Errorf("printed object container is not TLV: %w", ErrStorageCorrupt)
	}

	key, _, ok := fields.Get(tagProtectedKey)
	if !ok {
		return nil, fmt.Errorf("printed object is missing the key field: %w", ErrStorageCorrupt)
	}
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("stored key has length %d: %w", len(key), ErrStorageCorrupt)
	}

	return key, nil
}

// SetManagementKeyPINProtected generates a fresh random management key,
// installs it, and stores it in the PIN-gated printed object so later
// sessions need only the PIN. The PUK is blocked so a PUK holder cannot
// seize the management key.
func (s *Session) SetManagementKeyPINProtected(pin []byte) error {
	if err := s.EnsureManagementKey(); err != nil {
		return err
	}

	newKey := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(s.rand, newKey); err != nil {
		return fmt.Errorf("cannot generate management key: %w", err)
	}

	if err := s.SetManagementKey(newKey, pivtypes.Alg3DES, false); err != nil {
		return err
	}
	if err := s.AuthenticateManagementKey(newKey); err != nil {
		return err
	}

	// The container tag is primitive; its nested fields are recorded as
	// pre-encoded value bytes.
	inner, err := tlv.EncodeBER(tlv.New(tagProtectedKey, newKey))
	if err != nil {
		return fmt.Errorf("cannot encode key field: %w", err)
	}
	value, err := tlv.EncodeBER(tlv.New(tagProtectedContainer, inner))
	if err != nil {
		return fmt.Errorf("cannot encode printed object: %w", err)
	}
	if err := s.PutData(pivtypes.ObjectPrinted, value); err != nil {
		return err
	}

	if err := s.writeAdminData(adminData{pukBlocked: true, mgmKeyStored: true}); err != nil {
		return err
	}

	// Verify the PIN before blocking the PUK so the card is never left
	// with both credentials unusable.
	if res, err := s.VerifyPIN(pin); err != nil {
		return err
	} else if !res.OK {
		return fmt.Errorf("PIN verification failed: %w", pivtypes.ErrSecurityStatus)
	}

	return s.blockPUK()
}

// SetManagementKeyPINDerived configures the deprecated PIN-derived mode: a
// fresh salt is stored and the management key becomes
// PBKDF2(PIN, salt, 10000, 24).
func (s *Session) SetManagementKeyPINDerived(pin []byte) error {
	if err := s.EnsureManagementKey(); err != nil {
		return err
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return fmt.Errorf("cannot generate salt: %w", err)
	}

	key := deriveManagementKey(pin, salt)

	if err := s.SetManagementKey(key, pivtypes.Alg3DES, false); err != nil {
		return err
	}
	if err := s.AuthenticateManagementKey(key); err != nil {
		return err
	}

	if err := s.writeAdminData(adminData{pukBlocked: true, salt: salt}); err != nil {
		return err
	}

	if res, err := s.VerifyPIN(pin); err != nil {
		return err
	} else if !res.OK {
		return fmt.Errorf("PIN verification failed: %w", pivtypes.ErrSecurityStatus)
	}

	return s.blockPUK()
}

// Recover re-establishes a consistent PIN-only configuration. It tries the
// configured mode first, then the factory default key, then the provider's
// key, and on success rewrites both storage objects for PIN-protected
// mode. Rewriting overwrites whatever an unrelated application may have
// stored in the printed object; that is an accepted property of recovery,
// not an accident.
func (s *Session) Recover(pin []byte) (PINOnlyMode, error) {
	if err := s.AuthenticateWithPIN(pin); err == nil {
		mode, _ := s.PINOnlyMode()
		return mode, nil
	}

	if err := s.AuthenticateManagementKey(DefaultManagementKey); err != nil {
		if s.provider == nil {
			return PINOnlyNone, ErrNoCredentialProvider
		}
		key, perr := s.provider.ManagementKey()
		if perr != nil {
			return PINOnlyNone, fmt.Errorf("cannot collect management key: %w", perr)
		}
		if err := s.AuthenticateManagementKey(key); err != nil {
			return PINOnlyNone, err
		}
	}

	if err := s.SetManagementKeyPINProtected(pin); err != nil {
		return PINOnlyNone, err
	}

	return PINOnlyProtected, nil
}

// blockPUK exhausts the PUK retry counter with random wrong values.
func (s *Session) blockPUK() error {
	wrong := make([]byte, 8)
	if _, err := io.ReadFull(s.rand, wrong); err != nil {
		return fmt.Errorf("cannot generate blocking value: %w", err)
	}

	for range 255 {
		res, err := s.ChangePUK(wrong, wrong)
		if err != nil {
			return err
		}
		if res.Blocked() {
			return nil
		}
		if res.OK {
			// The random value happened to be the PUK; it changed to
			// itself and the counter reset. Try a different value.
			wrong[0] ^= 0xa5
		}
	}

	return errors.New("piv: could not block PUK")
}

func deriveManagementKey(pin, salt []byte) []byte {
	return pbkdf2.Key(pin, salt, pbkdf2Rounds, derivedKeyLen, sha1.New)
}
