// Package scp11 implements the cryptographic primitives of GlobalPlatform
// SCP11 (Amendment F): NIST P-256 key agreement, the ANSI X9.63 KDF used to
// turn the shared secret into session keys, and the key-agreement receipt.
package scp11

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// KeyUsage bytes carried in the A6 control reference template. They select
// the receipt/key usage of the derived key set and thereby the protocol
// variant.
const (
	KeyUsageSCP11a byte = 0x3c
	KeyUsageSCP11b byte = 0x34
	KeyUsageSCP11c byte = 0x30
)

// Key type and length bytes for the derived AES-128 session keys.
const (
	KeyTypeAES byte = 0x88
	KeyLenAES  byte = 0x10
)

// SessionKeys is the key material produced by a completed SCP11 key
// agreement. Receipt authenticates the exchange; the remaining keys drive
// secure messaging.
type SessionKeys struct {
	ReceiptKey []byte
	SENC       []byte
	SMAC       []byte
	SRMAC      []byte
	DEK        []byte
}

var errShortSecret = errors.New("scp11: empty shared secret")

// SharedSecret concatenates the ephemeral-ephemeral and the
// static-involving ECDH results into the key agreement secret Z.
func SharedSecret(ephemeral, static []byte) ([]byte, error) {
	if len(ephemeral) == 0 || len(static) == 0 {
		return nil, errShortSecret
	}
	z := make([]byte, 0, len(ephemeral)+len(static))
	z = append(z, ephemeral...)
	z = append(z, static...)
	return z, nil
}

// X963KDF is the ANSI X9.63 KDF with SHA-256:
// hash(Z || counter || sharedInfo) blocks concatenated until outLen bytes.
func X963KDF(z, sharedInfo []byte, outLen int) []byte {
	var (
		out     []byte
		counter uint32
	)
	for len(out) < outLen {
		counter++

		h := sha256.New()
		h.Write(z)
		h.Write(binary.BigEndian.AppendUint32(nil, counter))
		h.Write(sharedInfo)
		out = h.Sum(out)
	}
	return out[:outLen]
}

// DeriveSessionKeys derives the receipt key and the four session keys from
// the shared secret. sharedInfo is keyUsage || keyType || keyLen as carried
// in the A6 template.
func DeriveSessionKeys(z []byte, keyUsage byte) *SessionKeys {
	material := X963KDF(z, []byte{keyUsage, KeyTypeAES, KeyLenAES}, 5*16)

	return &SessionKeys{
		ReceiptKey: material[0:16],
		SENC:       material[16:32],
		SMAC:       material[32:48],
		SRMAC:      material[48:64],
		DEK:        material[64:80],
	}
}

// Receipt computes the full 16-byte AES-CMAC over the concatenated host and
// card key agreement data.
func Receipt(receiptKey, hostData, cardData []byte) ([]byte, error) {
	block, err := aes.NewCipher(receiptKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create AES cipher for receipt: %w", err)
	}

	mac, err := cmac.NewWithTagSize(block, 16)
	if err != nil {
		return nil, fmt.Errorf("cannot create CMAC for receipt: %w", err)
	}
	mac.Write(hostData)
	mac.Write(cardData)

	return mac.Sum(nil), nil
}

// ParsePublicKey decodes an uncompressed P-256 point (0x04 || X || Y) as
// carried in a 5F49 data object.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("cannot parse P-256 public key: %w", err)
	}
	return pub, nil
}
