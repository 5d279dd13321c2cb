package piv

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" //nolint:gosec
	"encoding/binary"
	"testing"

	"github.com/go-scp/pivscp/pkg/pivtypes"

	"cunicu.li/go-iso7816/encoding/tlv"
	"github.com/skythen/apdu"
	"github.com/stretchr/testify/require"
)

var testSignature = []byte{0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x02}

// fakeCard emulates the card side of the PIV application: credential retry
// counters, the challenge/response management key flow and generic data
// object storage.
type fakeCard struct {
	t *testing.T

	// credentials in their padded 8-byte wire form
	pin []byte
	puk []byte

	pinAttempts  byte
	pinRemaining byte
	pukAttempts  byte
	pukRemaining byte

	managementKey []byte
	managementAlg pivtypes.Algorithm

	slotPolicy pivtypes.PINPolicy

	pinVerified bool
	mgmtAuth    bool

	// corruptProof makes mutual authentication return a wrong card proof
	corruptProof bool

	challenge []byte
	nonce     uint64

	objects map[uint32][]byte

	commands int
}

func newFakeCard(t *testing.T) *fakeCard {
	t.Helper()

	return &fakeCard{
		t:             t,
		pin:           padCredential(DefaultPIN),
		puk:           padCredential(DefaultPUK),
		pinAttempts:   3,
		pinRemaining:  3,
		pukAttempts:   3,
		pukRemaining:  3,
		managementKey: append([]byte{}, DefaultManagementKey...),
		managementAlg: pivtypes.Alg3DES,
		slotPolicy:    pivtypes.PINPolicyOnce,
		objects:       map[uint32][]byte{},
	}
}

// resetConnection clears the per-connection authentication state, as a
// power cycle or reconnect would.
func (c *fakeCard) resetConnection() {
	c.pinVerified = false
	c.mgmtAuth = false
	c.challenge = nil
}

func padCredential(v []byte) []byte {
	padded := bytes.Repeat([]byte{0xff}, 8)
	copy(padded, v)
	return padded
}

func (c *fakeCard) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	c.commands++

	switch pivtypes.Instruction(capdu.Ins) {
	case pivtypes.InsSelect:
		require.Equal(c.t, pivtypes.AID, capdu.Data)
		return success(nil), nil
	case pivtypes.InsGetVersion:
		return success([]byte{5, 4, 3}), nil
	case pivtypes.InsVerify:
		return c.verify(capdu), nil
	case pivtypes.InsChangeReferenceData:
		return c.changeReference(capdu), nil
	case pivtypes.InsResetRetryCounter:
		return c.resetRetry(capdu), nil
	case pivtypes.InsGeneralAuthenticate:
		return c.generalAuthenticate(capdu), nil
	case pivtypes.InsGetData:
		return c.getData(capdu), nil
	case pivtypes.InsPutData:
		return c.putData(capdu), nil
	case pivtypes.InsSetManagementKey:
		return c.setManagementKey(capdu), nil
	case pivtypes.InsSetPINRetries:
		return c.setRetries(capdu), nil
	case pivtypes.InsGetMetadata:
		return c.metadata(capdu), nil
	default:
		return apdu.Rapdu{SW1: 0x6d, SW2: 0x00}, nil
	}
}

func success(data []byte) apdu.Rapdu {
	return apdu.Rapdu{Data: data, SW1: 0x90, SW2: 0x00}
}

func retriesStatus(remaining byte) apdu.Rapdu {
	if remaining > 15 {
		remaining = 15
	}
	return apdu.Rapdu{SW1: 0x63, SW2: 0xc0 | remaining}
}

func (c *fakeCard) credential(ref byte) (value *[]byte, remaining *byte, attempts byte) {
	switch pivtypes.KeyReference(ref) {
	case pivtypes.KeyRefPIN:
		return &c.pin, &c.pinRemaining, c.pinAttempts
	case pivtypes.KeyRefPUK:
		return &c.puk, &c.pukRemaining, c.pukAttempts
	default:
		return nil, nil, 0
	}
}

func (c *fakeCard) verify(capdu apdu.Capdu) apdu.Rapdu {
	value, remaining, attempts := c.credential(capdu.P2)
	if value == nil {
		return apdu.Rapdu{SW1: 0x6a, SW2: 0x88}
	}

	// An empty data field probes the retry counter without consuming an
	// attempt.
	if len(capdu.Data) == 0 {
		return retriesStatus(*remaining)
	}

	if *remaining == 0 {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x83}
	}

	if !bytes.Equal(capdu.Data, *value) {
		*remaining--
		return retriesStatus(*remaining)
	}

	*remaining = attempts
	if pivtypes.KeyReference(capdu.P2) == pivtypes.KeyRefPIN {
		c.pinVerified = true
	}
	return success(nil)
}

func (c *fakeCard) changeReference(capdu apdu.Capdu) apdu.Rapdu {
	value, remaining, attempts := c.credential(capdu.P2)
	if value == nil {
		return apdu.Rapdu{SW1: 0x6a, SW2: 0x88}
	}
	if len(capdu.Data) != 16 {
		return apdu.Rapdu{SW1: 0x67, SW2: 0x00}
	}
	if *remaining == 0 {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x83}
	}

	if !bytes.Equal(capdu.Data[:8], *value) {
		*remaining--
		return retriesStatus(*remaining)
	}

	*value = append([]byte{}, capdu.Data[8:]...)
	*remaining = attempts
	return success(nil)
}

func (c *fakeCard) resetRetry(capdu apdu.Capdu) apdu.Rapdu {
	if len(capdu.Data) != 16 {
		return apdu.Rapdu{SW1: 0x67, SW2: 0x00}
	}
	if c.pukRemaining == 0 {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x83}
	}

	if !bytes.Equal(capdu.Data[:8], c.puk) {
		c.pukRemaining--
		return retriesStatus(c.pukRemaining)
	}

	c.pin = append([]byte{}, capdu.Data[8:]...)
	c.pinRemaining = c.pinAttempts
	c.pukRemaining = c.pukAttempts
	return success(nil)
}

func (c *fakeCard) managementBlock() cipher.Block {
	var (
		block cipher.Block
		err   error
	)
	if c.managementAlg == pivtypes.Alg3DES {
		block, err = des.NewTripleDESCipher(c.managementKey) //nolint:gosec
	} else {
		block, err = aes.NewCipher(c.managementKey)
	}
	require.NoError(c.t, err)
	return block
}

func (c *fakeCard) generalAuthenticate(capdu apdu.Capdu) apdu.Rapdu {
	if pivtypes.KeyReference(capdu.P2) != pivtypes.KeyRefManagement {
		return c.sign(capdu)
	}

	block := c.managementBlock()

	tvs, err := tlv.DecodeBER(capdu.Data)
	require.NoError(c.t, err)

	response, _, hasResponse := tvs.GetChild(0x7c, 0x82)
	if !hasResponse {
		// Step one: issue a fresh challenge.
		c.nonce++
		c.challenge = make([]byte, block.BlockSize())
		binary.BigEndian.PutUint64(c.challenge, c.nonce)

		out, err := tlv.EncodeBER(tlv.New(0x7c, tlv.New(0x81, c.challenge)))
		require.NoError(c.t, err)
		return success(out)
	}

	if c.challenge == nil {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x85}
	}

	expected := make([]byte, block.BlockSize())
	block.Encrypt(expected, c.challenge)
	c.challenge = nil

	if !bytes.Equal(response, expected) {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}
	c.mgmtAuth = true

	var children []byte
	if hostChallenge, _, ok := tvs.GetChild(0x7c, 0x81); ok && len(hostChallenge) == block.BlockSize() {
		proof := make([]byte, block.BlockSize())
		block.Encrypt(proof, hostChallenge)
		if c.corruptProof {
			proof[0] ^= 0xff
		}
		children, err = tlv.EncodeBER(tlv.New(0x82, proof))
		require.NoError(c.t, err)
	}

	out, err := tlv.EncodeBER(tlv.New(0x7c, children))
	require.NoError(c.t, err)
	return success(out)
}

func (c *fakeCard) sign(capdu apdu.Capdu) apdu.Rapdu {
	if c.slotPolicy != pivtypes.PINPolicyNever && !c.pinVerified {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}

	out, err := tlv.EncodeBER(tlv.New(0x7c, tlv.New(0x82, testSignature)))
	require.NoError(c.t, err)
	return success(out)
}

func (c *fakeCard) objectFromRequest(data []byte) (uint32, tlv.TagValues, bool) {
	tvs, err := tlv.DecodeBER(data)
	require.NoError(c.t, err)

	id, _, ok := tvs.Get(0x5c)
	if !ok || len(id) != 3 {
		return 0, nil, false
	}

	return uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2]), tvs, true
}

func (c *fakeCard) getData(capdu apdu.Capdu) apdu.Rapdu {
	object, _, ok := c.objectFromRequest(capdu.Data)
	if !ok {
		return apdu.Rapdu{SW1: 0x6a, SW2: 0x80}
	}

	// The printed object is PIN gated.
	if object == pivtypes.ObjectPrinted && !c.pinVerified {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}

	value, ok := c.objects[object]
	if !ok {
		return apdu.Rapdu{SW1: 0x6a, SW2: 0x82}
	}

	out, err := tlv.EncodeBER(tlv.New(0x53, value))
	require.NoError(c.t, err)
	return success(out)
}

func (c *fakeCard) putData(capdu apdu.Capdu) apdu.Rapdu {
	if !c.mgmtAuth {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}

	object, tvs, ok := c.objectFromRequest(capdu.Data)
	if !ok {
		return apdu.Rapdu{SW1: 0x6a, SW2: 0x80}
	}

	value, _, ok := tvs.Get(0x53)
	if !ok {
		return apdu.Rapdu{SW1: 0x6a, SW2: 0x80}
	}

	c.objects[object] = append([]byte{}, value...)
	return success(nil)
}

func (c *fakeCard) setManagementKey(capdu apdu.Capdu) apdu.Rapdu {
	if !c.mgmtAuth {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}
	if len(capdu.Data) < 3 {
		return apdu.Rapdu{SW1: 0x67, SW2: 0x00}
	}

	alg := pivtypes.Algorithm(capdu.Data[0])
	keyLen := int(capdu.Data[2])
	require.Equal(c.t, byte(pivtypes.KeyRefManagement), capdu.Data[1])
	require.Len(c.t, capdu.Data, 3+keyLen)

	c.managementAlg = alg
	c.managementKey = append([]byte{}, capdu.Data[3:]...)
	return success(nil)
}

func (c *fakeCard) setRetries(capdu apdu.Capdu) apdu.Rapdu {
	if !c.mgmtAuth || !c.pinVerified {
		return apdu.Rapdu{SW1: 0x69, SW2: 0x82}
	}

	c.pinAttempts, c.pinRemaining = capdu.P1, capdu.P1
	c.pukAttempts, c.pukRemaining = capdu.P2, capdu.P2
	c.pin = padCredential(DefaultPIN)
	c.puk = padCredential(DefaultPUK)
	return success(nil)
}

func (c *fakeCard) metadata(capdu apdu.Capdu) apdu.Rapdu {
	var (
		out []byte
		err error
	)

	switch pivtypes.KeyReference(capdu.P2) {
	case pivtypes.KeyRefPIN:
		out, err = tlv.EncodeBER(tlv.New(0x06, []byte{c.pinAttempts, c.pinRemaining}))
	case pivtypes.KeyRefPUK:
		out, err = tlv.EncodeBER(tlv.New(0x06, []byte{c.pukAttempts, c.pukRemaining}))
	case pivtypes.KeyRefManagement:
		isDefault := byte(0)
		if bytes.Equal(c.managementKey, DefaultManagementKey) {
			isDefault = 1
		}
		out, err = tlv.EncodeBER(
			tlv.New(0x01, []byte{byte(c.managementAlg)}),
			tlv.New(0x02, []byte{0x00, byte(pivtypes.TouchPolicyNever)}),
			tlv.New(0x05, []byte{isDefault}),
		)
	default:
		out, err = tlv.EncodeBER(
			tlv.New(0x01, []byte{byte(pivtypes.AlgECCP256)}),
			tlv.New(0x02, []byte{byte(c.slotPolicy), byte(pivtypes.TouchPolicyNever)}),
		)
	}
	require.NoError(c.t, err)

	return success(out)
}
