package pivtypes

// AID is the application identifier of the PIV applet.
var AID = []byte{0xa0, 0x00, 0x00, 0x03, 0x08}

// Instruction is an ISO 7816-4 / PIV card-edge instruction byte.
type Instruction byte

const (
	InsSelect              Instruction = 0xa4
	InsVerify              Instruction = 0x20
	InsChangeReferenceData Instruction = 0x24
	InsResetRetryCounter   Instruction = 0x2c
	InsGeneralAuthenticate Instruction = 0x87
	InsGetData             Instruction = 0xcb
	InsPutData             Instruction = 0xdb
	InsGenerateAsymmetric  Instruction = 0x47

	// Vendor extensions used by most PIV tokens in the wild.
	InsSetManagementKey Instruction = 0xff
	InsSetPINRetries    Instruction = 0xfa
	InsGetMetadata      Instruction = 0xf7
	InsGetVersion       Instruction = 0xfd
	InsReset            Instruction = 0xfb
)

// KeyReference selects the credential a VERIFY, CHANGE REFERENCE DATA or
// RESET RETRY COUNTER command operates on (P2 of those commands).
type KeyReference byte

const (
	KeyRefPIN        KeyReference = 0x80
	KeyRefPUK        KeyReference = 0x81
	KeyRefManagement KeyReference = 0x9b
)

func (r KeyReference) String() string {
	switch r {
	case KeyRefPIN:
		return "PIN"
	case KeyRefPUK:
		return "PUK"
	case KeyRefManagement:
		return "management key"
	default:
		return "unknown"
	}
}

// Slot is a PIV key slot.
type Slot byte

const (
	SlotAuthentication     Slot = 0x9a
	SlotSignature          Slot = 0x9c
	SlotKeyManagement      Slot = 0x9d
	SlotCardAuthentication Slot = 0x9e
)

// Algorithm identifies the management key cipher family and, for asymmetric
// slots, the key type.
type Algorithm byte

const (
	Alg3DES    Algorithm = 0x03
	AlgAES128  Algorithm = 0x08
	AlgAES192  Algorithm = 0x0a
	AlgAES256  Algorithm = 0x0c
	AlgRSA2048 Algorithm = 0x07
	AlgECCP256 Algorithm = 0x11
	AlgECCP384 Algorithm = 0x14
)

// KeyLen returns the exact management key length for the algorithm,
// or 0 if the algorithm does not denote a symmetric management key.
func (a Algorithm) KeyLen() int {
	switch a {
	case Alg3DES, AlgAES192:
		return 24
	case AlgAES128:
		return 16
	case AlgAES256:
		return 32
	default:
		return 0
	}
}

// PINPolicy describes when a slot demands a fresh or session PIN.
type PINPolicy byte

const (
	PINPolicyDefault PINPolicy = 0x00
	PINPolicyNever   PINPolicy = 0x01
	PINPolicyOnce    PINPolicy = 0x02
	PINPolicyAlways  PINPolicy = 0x03
)

// TouchPolicy describes when a slot demands physical touch.
type TouchPolicy byte

const (
	TouchPolicyDefault TouchPolicy = 0x00
	TouchPolicyNever   TouchPolicy = 0x01
	TouchPolicyAlways  TouchPolicy = 0x02
	TouchPolicyCached  TouchPolicy = 0x03
)

// Data object tags consumed by the PIN-only management key logic.
// The pivman object holds flags, salt and timestamp; the printed object is
// repurposed to hold the wrapped management key.
const (
	ObjectPivman  uint32 = 0x5fff00
	ObjectPrinted uint32 = 0x5fc109
)
