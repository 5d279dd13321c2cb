package securechannel

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/go-scp/pivscp/pkg/securechannel/scp03"

	"github.com/aead/cmac"
	"github.com/skythen/apdu"
)

// Session is an established secure channel. It implements Transmitter so a
// higher layer (e.g. a PIV session) can be stacked on top transparently.
//
// A Session is not safe for concurrent use: the encryption counter and MAC
// chaining value strictly order all commands.
type Session struct {
	tx     Transmitter
	logger *slog.Logger
	level  SecurityLevel

	senc  cipher.Block
	smac  cipher.Block
	srmac cipher.Block

	// raw derived key material, kept only so Close can zeroize it
	rawKeys [][]byte

	// dek is the key under which PUT KEY wraps new key components: the
	// static DEK for SCP03, the derived DEK for SCP11.
	dek []byte

	counter  [16]byte
	chaining [16]byte
	broken   bool
}

// Transmit wraps the command according to the session security level, sends
// it and unwraps the response. A response MAC mismatch or a transport fault
// permanently invalidates the session.
func (s *Session) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	if s.broken {
		return apdu.Rapdu{}, ErrChannelBroken
	}

	wrapped, err := s.wrap(capdu)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	s.logger.Debug("wrapped command", "capdu", hex.EncodeToString(wrapped.Data))

	resp, err := s.tx.Transmit(wrapped)
	if err != nil {
		// The card-side counter may already have advanced.
		s.broken = true
		return apdu.Rapdu{}, err
	}

	unwrapped, err := s.unwrap(resp)
	if err != nil {
		s.broken = true
		return apdu.Rapdu{}, err
	}

	return unwrapped, nil
}

// Close zeroizes the derived session keys and invalidates the session.
func (s *Session) Close() {
	for _, k := range s.rawKeys {
		for i := range k {
			k[i] = 0
		}
	}
	for i := range s.dek {
		s.dek[i] = 0
	}
	s.broken = true
}

// MaxPayload returns the largest command data field the session can carry
// after MAC and padding overhead.
func (s *Session) MaxPayload() int {
	max := apdu.MaxLenCommandDataStandard - 8 // C-MAC
	if s.level.CDEC {
		max -= 16 // worst-case padding
	}
	return max
}

func (s *Session) wrap(capdu apdu.Capdu) (apdu.Capdu, error) {
	// Reject before the counter advances so the channel stays usable.
	if len(capdu.Data) > s.MaxPayload() {
		return apdu.Capdu{}, fmt.Errorf("command data length %d exceeds the channel limit of %d", len(capdu.Data), s.MaxPayload())
	}

	// The counter advances once per command, data field or not.
	s.incrementCounter()

	if s.level.CDEC && len(capdu.Data) > 0 {
		iv := scp03.CommandIV(s.senc, s.counter, false)

		data := scp03.Pad(capdu.Data)
		cipher.NewCBCEncrypter(s.senc, iv).CryptBlocks(data, data)
		capdu.Data = data
	}

	return s.applyCMAC(capdu)
}

func (s *Session) applyCMAC(capdu apdu.Capdu) (apdu.Capdu, error) {
	capdu.Cla |= 0x04

	lc := len(capdu.Data) + 8

	input := make([]byte, 0, 16+5+len(capdu.Data))
	input = append(input, s.chaining[:]...)
	input = append(input, capdu.Cla, capdu.Ins, capdu.P1, capdu.P2, byte(lc))
	input = append(input, capdu.Data...)

	mac, err := cmac.NewWithTagSize(s.smac, 16)
	if err != nil {
		return apdu.Capdu{}, err
	}
	mac.Write(input)
	full := mac.Sum(nil)

	copy(s.chaining[:], full)

	data := make([]byte, 0, lc)
	data = append(data, capdu.Data...)
	data = append(data, full[:8]...)
	capdu.Data = data

	return capdu, nil
}

func (s *Session) unwrap(resp apdu.Rapdu) (apdu.Rapdu, error) {
	// Error responses carry no MAC; only successful responses are protected.
	if !s.level.RMAC || !resp.IsSuccess() {
		return resp, nil
	}

	if len(resp.Data) < 8 {
		return apdu.Rapdu{}, ErrMACVerification
	}

	payload := resp.Data[:len(resp.Data)-8]
	received := resp.Data[len(resp.Data)-8:]

	input := make([]byte, 0, 16+len(payload)+2)
	input = append(input, s.chaining[:]...)
	input = append(input, payload...)
	input = append(input, resp.SW1, resp.SW2)

	mac, err := cmac.NewWithTagSize(s.srmac, 16)
	if err != nil {
		return apdu.Rapdu{}, err
	}
	mac.Write(input)
	expected := mac.Sum(nil)[:8]

	if subtle.ConstantTimeCompare(expected, received) != 1 {
		return apdu.Rapdu{}, ErrMACVerification
	}

	resp.Data = payload

	if s.level.RENC && len(resp.Data) > 0 {
		iv := scp03.CommandIV(s.senc, s.counter, true)

		data := make([]byte, len(resp.Data))
		cipher.NewCBCDecrypter(s.senc, iv).CryptBlocks(data, resp.Data)

		plain, err := scp03.Unpad(data)
		if err != nil {
			return apdu.Rapdu{}, ErrMACVerification
		}
		resp.Data = plain
	}

	return resp, nil
}

func (s *Session) incrementCounter() {
	for i := len(s.counter) - 1; i >= 0; i-- {
		s.counter[i]++
		if s.counter[i] != 0 {
			break
		}
	}
}
