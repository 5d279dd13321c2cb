package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"testing"

	"github.com/go-scp/pivscp/pkg/securechannel/scp03"

	"github.com/aead/cmac"
	"github.com/skythen/apdu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cardChannel is the card-side half of an established secure messaging
// session, shared by the SCP03 and SCP11 fakes. It verifies command MACs,
// decrypts command data, echoes the payload back and protects the response
// according to the negotiated level.
type cardChannel struct {
	level SecurityLevel

	senc  cipher.Block
	smac  cipher.Block
	srmac cipher.Block

	counter  [16]byte
	chaining [16]byte

	tamperRMAC bool
}

func (c *cardChannel) handle(capdu apdu.Capdu) apdu.Rapdu {
	if capdu.Cla&0x04 == 0 || len(capdu.Data) < 8 {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}

	c.incrementCounter()

	payload := capdu.Data[:len(capdu.Data)-8]
	received := capdu.Data[len(capdu.Data)-8:]

	input := make([]byte, 0, 16+5+len(payload))
	input = append(input, c.chaining[:]...)
	input = append(input, capdu.Cla, capdu.Ins, capdu.P1, capdu.P2, byte(len(capdu.Data)))
	input = append(input, payload...)

	mac, err := cmac.NewWithTagSize(c.smac, 16)
	if err != nil {
		return apdu.Rapdu{SW1: 0x6f, SW2: 0x00}
	}
	mac.Write(input)
	full := mac.Sum(nil)

	if subtle.ConstantTimeCompare(full[:8], received) != 1 {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}
	copy(c.chaining[:], full)

	plain := payload
	if c.level.CDEC && len(payload) > 0 {
		iv := scp03.CommandIV(c.senc, c.counter, false)

		decrypted := make([]byte, len(payload))
		cipher.NewCBCDecrypter(c.senc, iv).CryptBlocks(decrypted, payload)

		if plain, err = scp03.Unpad(decrypted); err != nil {
			return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
		}
	}

	// The application behind the channel just echoes.
	out := make([]byte, len(plain))
	copy(out, plain)

	if c.level.RENC && len(out) > 0 {
		iv := scp03.CommandIV(c.senc, c.counter, true)

		out = scp03.Pad(out)
		cipher.NewCBCEncrypter(c.senc, iv).CryptBlocks(out, out)
	}

	if c.level.RMAC {
		input := make([]byte, 0, 16+len(out)+2)
		input = append(input, c.chaining[:]...)
		input = append(input, out...)
		input = append(input, 0x90, 0x00)

		mac, err := cmac.NewWithTagSize(c.srmac, 16)
		if err != nil {
			return apdu.Rapdu{SW1: 0x6f, SW2: 0x00}
		}
		mac.Write(input)
		rmac := mac.Sum(nil)[:8]

		if c.tamperRMAC {
			rmac[0] ^= 0xff
		}

		out = append(out, rmac...)
	}

	return apdu.Rapdu{Data: out, SW1: 0x90, SW2: 0x00}
}

func newAESBlock(t *testing.T, key []byte) cipher.Block {
	t.Helper()

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	return block
}

func (c *cardChannel) incrementCounter() {
	for i := len(c.counter) - 1; i >= 0; i-- {
		c.counter[i]++
		if c.counter[i] != 0 {
			break
		}
	}
}

// fakeSCP03Card speaks the card side of the SCP03 handshake with a fixed
// challenge and serves the echo application afterwards.
type fakeSCP03Card struct {
	t    *testing.T
	keys StaticKeys

	cardChannel

	hostChallenge []byte
	cardChallenge []byte
	smacKey       []byte
	authenticated bool
}

func newFakeSCP03Card(t *testing.T, keys StaticKeys) *fakeSCP03Card {
	t.Helper()

	return &fakeSCP03Card{
		t:             t,
		keys:          keys,
		cardChallenge: []byte{0xc1, 0xc2, 0xc3, 0xc4, 0xc5, 0xc6, 0xc7, 0xc8},
	}
}

func (c *fakeSCP03Card) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	switch {
	case capdu.Ins == insInitializeUpdate:
		return c.initializeUpdate(capdu), nil
	case capdu.Ins == insExternalAuthenticate && !c.authenticated:
		return c.externalAuthenticate(capdu), nil
	default:
		if !c.authenticated {
			return apdu.Rapdu{SW1: 0x69, SW2: 0x82}, nil
		}
		return c.handle(capdu), nil
	}
}

func (c *fakeSCP03Card) initializeUpdate(capdu apdu.Capdu) apdu.Rapdu {
	require.Len(c.t, capdu.Data, 8)
	c.hostChallenge = capdu.Data

	context := append(append([]byte{}, c.hostChallenge...), c.cardChallenge...)
	keyLen := len(c.keys.ENC)

	sencKey, err := scp03.KDF(c.keys.ENC, scp03.ConstSENC, context, keyLen)
	require.NoError(c.t, err)
	smacKey, err := scp03.KDF(c.keys.MAC, scp03.ConstSMAC, context, keyLen)
	require.NoError(c.t, err)
	srmacKey, err := scp03.KDF(c.keys.MAC, scp03.ConstSRMAC, context, keyLen)
	require.NoError(c.t, err)

	c.smacKey = smacKey
	c.senc = newAESBlock(c.t, sencKey)
	c.smac = newAESBlock(c.t, smacKey)
	c.srmac = newAESBlock(c.t, srmacKey)

	cryptogram, err := scp03.Cryptogram(smacKey, scp03.ConstCardCryptogram, c.hostChallenge, c.cardChallenge)
	require.NoError(c.t, err)

	data := make([]byte, 0, 29)
	data = append(data, make([]byte, 10)...) // diversification data
	data = append(data, capdu.P1, scpIdentifier03, 0x00)
	data = append(data, c.cardChallenge...)
	data = append(data, cryptogram...)

	return apdu.Rapdu{Data: data, SW1: 0x90, SW2: 0x00}
}

func (c *fakeSCP03Card) externalAuthenticate(capdu apdu.Capdu) apdu.Rapdu {
	if len(capdu.Data) != 16 {
		return apdu.Rapdu{SW1: 0x67, SW2: 0x00}
	}

	hostCryptogram := capdu.Data[:8]
	received := capdu.Data[8:]

	input := make([]byte, 0, 16+5+8)
	input = append(input, c.chaining[:]...)
	input = append(input, capdu.Cla, capdu.Ins, capdu.P1, capdu.P2, byte(len(capdu.Data)))
	input = append(input, hostCryptogram...)

	mac, err := cmac.NewWithTagSize(c.smac, 16)
	require.NoError(c.t, err)
	mac.Write(input)
	full := mac.Sum(nil)

	expected, err := scp03.Cryptogram(c.smacKey, scp03.ConstHostCryptogram, c.hostChallenge, c.cardChallenge)
	require.NoError(c.t, err)

	if subtle.ConstantTimeCompare(full[:8], received) != 1 ||
		subtle.ConstantTimeCompare(expected, hostCryptogram) != 1 {
		return apdu.Rapdu{SW1: 0x63, SW2: 0x00}
	}

	copy(c.chaining[:], full)
	c.level = SecurityLevel{
		CDEC: capdu.P1&0x02 != 0,
		RMAC: capdu.P1&0x10 != 0,
		RENC: capdu.P1&0x20 != 0,
	}
	c.authenticated = true

	return apdu.Rapdu{SW1: 0x90, SW2: 0x00}
}

func TestSCP03HandshakeAndTransmit(t *testing.T) {
	keys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, keys)

	session, err := Open(card, Symmetric{
		KeyVersion: DefaultKeyVersion,
		Keys:       keys,
		Level:      SecurityLevel{CDEC: true, RMAC: true, RENC: true},
	})
	require.NoError(t, err)

	payload := []byte("attack at dawn")

	resp, err := session.Transmit(apdu.Capdu{Ins: 0xca, Data: payload})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Equal(t, payload, resp.Data)

	// Counters stay in lockstep across commands.
	resp, err = session.Transmit(apdu.Capdu{Ins: 0xca, Data: []byte("second")})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), resp.Data)
}

func TestSCP03MACOnlyLevel(t *testing.T) {
	keys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, keys)

	session, err := Open(card, Symmetric{Keys: keys})
	require.NoError(t, err)

	resp, err := session.Transmit(apdu.Capdu{Ins: 0xca, Data: []byte("plain but signed")})
	require.NoError(t, err)
	assert.Equal(t, []byte("plain but signed"), resp.Data)
}

func TestSCP03WrongStaticKey(t *testing.T) {
	cardKeys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, cardKeys)

	badMAC := append([]byte{}, DefaultKey...)
	badMAC[15] ^= 0x01

	_, err := Open(card, Symmetric{
		Keys: StaticKeys{ENC: DefaultKey, MAC: badMAC, DEK: DefaultKey},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestSCP03ResponseMACTamper(t *testing.T) {
	keys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, keys)

	session, err := Open(card, Symmetric{
		Keys:  keys,
		Level: SecurityLevel{RMAC: true},
	})
	require.NoError(t, err)

	card.tamperRMAC = true

	_, err = session.Transmit(apdu.Capdu{Ins: 0xca, Data: []byte("x")})
	assert.ErrorIs(t, err, ErrMACVerification)

	// A MAC failure permanently invalidates the session.
	card.tamperRMAC = false
	_, err = session.Transmit(apdu.Capdu{Ins: 0xca, Data: []byte("y")})
	assert.ErrorIs(t, err, ErrChannelBroken)
}

func TestSCP03OversizedCommandRejectedLocally(t *testing.T) {
	keys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, keys)

	session, err := Open(card, Symmetric{Keys: keys})
	require.NoError(t, err)

	_, err = session.Transmit(apdu.Capdu{Ins: 0xca, Data: make([]byte, session.MaxPayload()+1)})
	require.Error(t, err)

	// The rejection happened before any counter advanced; the channel is
	// still in lockstep with the card.
	resp, err := session.Transmit(apdu.Capdu{Ins: 0xca, Data: []byte("still in sync")})
	require.NoError(t, err)
	assert.Equal(t, []byte("still in sync"), resp.Data)
}

func TestOpenRejectsRENCWithoutRMAC(t *testing.T) {
	keys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, keys)

	_, err := Open(card, Symmetric{
		Keys:  keys,
		Level: SecurityLevel{RENC: true},
	})
	assert.ErrorIs(t, err, ErrInvalidSecurityLevel)
}

func TestSessionCloseInvalidates(t *testing.T) {
	keys := StaticKeys{ENC: DefaultKey, MAC: DefaultKey, DEK: DefaultKey}
	card := newFakeSCP03Card(t, keys)

	session, err := Open(card, Symmetric{Keys: keys})
	require.NoError(t, err)

	session.Close()

	_, err = session.Transmit(apdu.Capdu{Ins: 0xca})
	assert.ErrorIs(t, err, ErrChannelBroken)
}

func TestSecurityLevelByte(t *testing.T) {
	assert.Equal(t, byte(0x01), SecurityLevel{}.Byte())
	assert.Equal(t, byte(0x03), SecurityLevel{CDEC: true}.Byte())
	assert.Equal(t, byte(0x13), SecurityLevel{CDEC: true, RMAC: true}.Byte())
	assert.Equal(t, byte(0x33), SecurityLevel{CDEC: true, RMAC: true, RENC: true}.Byte())
}
