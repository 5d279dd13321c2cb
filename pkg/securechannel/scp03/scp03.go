// Package scp03 implements the cryptographic primitives of GlobalPlatform
// SCP03: the NIST SP 800-108 counter-mode KDF with AES-CMAC as PRF, the
// card/host cryptograms, ISO 9797-1 M2 padding and the counter-derived
// encryption IV.
package scp03

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// Derivation constants, GlobalPlatform Card Specification v2.3 Amendment D.
const (
	ConstCardCryptogram byte = 0x00
	ConstHostCryptogram byte = 0x01
	ConstSENC           byte = 0x04
	ConstSMAC           byte = 0x06
	ConstSRMAC          byte = 0x07
)

var errBadKDFLength = errors.New("scp03: derived length must be a positive multiple of 8 and at most 32 bytes")

// KDF derives outLen bytes from key using the SP 800-108 counter-mode KDF
// with CMAC as PRF. The label is eleven zero bytes followed by the derivation
// constant; context is the concatenation of host and card challenges.
func KDF(key []byte, constant byte, context []byte, outLen int) ([]byte, error) {
	if outLen <= 0 || outLen%8 != 0 || outLen > 32 {
		return nil, errBadKDFLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create AES cipher for KDF: %w", err)
	}

	bits := uint16(outLen * 8)

	// label + separator + L + counter + context
	input := make([]byte, 0, 16+len(context))
	input = append(input, make([]byte, 11)...)
	input = append(input, constant)
	input = append(input, 0x00)
	input = append(input, byte(bits>>8), byte(bits&0xff))
	input = append(input, 0x00)
	input = append(input, context...)

	rounds := (outLen + 15) / 16

	var out []byte
	for i := 1; i <= rounds; i++ {
		input[15] = byte(i)

		mac, err := cmac.NewWithTagSize(block, 16)
		if err != nil {
			return nil, fmt.Errorf("cannot create CMAC for KDF: %w", err)
		}
		mac.Write(input)
		out = append(out, mac.Sum(nil)...)
	}

	return out[:outLen], nil
}

// Cryptogram computes an 8-byte card or host cryptogram from the session
// C-MAC key and the concatenated host and card challenges.
func Cryptogram(macKey []byte, constant byte, hostChallenge, cardChallenge []byte) ([]byte, error) {
	block, err := aes.NewCipher(macKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create AES cipher for cryptogram: %w", err)
	}

	context := make([]byte, 0, len(hostChallenge)+len(cardChallenge))
	context = append(context, hostChallenge...)
	context = append(context, cardChallenge...)

	input := make([]byte, 0, 16+len(context))
	input = append(input, make([]byte, 11)...)
	input = append(input, constant)
	input = append(input, 0x00)
	input = append(input, 0x00, 0x40) // L = 64 bits
	input = append(input, 0x01)
	input = append(input, context...)

	mac, err := cmac.NewWithTagSize(block, 16)
	if err != nil {
		return nil, fmt.Errorf("cannot create CMAC for cryptogram: %w", err)
	}
	mac.Write(input)

	return mac.Sum(nil)[:8], nil
}

// Pad appends ISO 9797-1 method 2 padding (0x80 then zeros) up to the next
// multiple of the AES block size. Padding is always applied.
func Pad(data []byte) []byte {
	padded := make([]byte, len(data)+16-len(data)%16)
	copy(padded, data)
	padded[len(data)] = 0x80
	return padded
}

// Unpad strips ISO 9797-1 method 2 padding.
func Unpad(data []byte) ([]byte, error) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0x00 {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, errors.New("scp03: missing 0x80 padding marker")
	}
	return data[:i], nil
}

// CommandIV encrypts the encryption counter under the session encryption key
// to produce the CBC IV for a command. For responses the most significant
// counter byte is set to 0x80 first.
func CommandIV(encKey cipher.Block, counter [16]byte, response bool) []byte {
	if response {
		counter[0] = 0x80
	}

	iv := make([]byte, 16)
	cipher.NewCBCEncrypter(encKey, make([]byte, 16)).CryptBlocks(iv, counter[:])
	return iv
}
