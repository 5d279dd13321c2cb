package securechannel

// GlobalPlatform instruction bytes used by the security domain.
const (
	insInitializeUpdate         byte = 0x50
	insExternalAuthenticate     byte = 0x82
	insInternalAuthenticate     byte = 0x88
	insPerformSecurityOperation byte = 0x2a
	insPutKey                   byte = 0xd8
	insDelete                   byte = 0xe4
	insGetData                  byte = 0xca
	insStoreData                byte = 0xe2
)

const (
	claGP  byte = 0x80
	claMAC byte = 0x84

	// command chaining bit for multi-block PERFORM SECURITY OPERATION
	claChaining byte = 0x10
)

// TLV tags of the SCP11 key agreement and the security domain data objects.
const (
	tagControlReference  = 0xa6
	tagScpIdentifier     = 0x90
	tagKeyUsage          = 0x95
	tagKeyType           = 0x80
	tagKeyLength         = 0x81
	tagEphemeralKey      = 0x5f49
	tagReceipt           = 0x86
	tagKeyInformation    = 0xe0
	tagKeyInformationRef = 0xc0
	tagCertificateStore  = 0xbf21
	tagKeyRef            = 0x83
	tagAllowlist         = 0x70
	tagSerialNumber      = 0x93
	tagKeyID             = 0xd0
	tagKeyVersion        = 0xd2
)

const scpIdentifier03 byte = 0x03

// DefaultKey is the factory static key value (applies to ENC, MAC and DEK
// alike). It is usable exactly once for provisioning and expected to be
// replaced with PutKey afterwards.
var DefaultKey = []byte{
	0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
	0x48, 0x49, 0x4a, 0x4b, 0x4c, 0x4d, 0x4e, 0x4f,
}

// DefaultKeyVersion is the key version number of the factory key set.
const DefaultKeyVersion byte = 0xff

// KeyRef identifies a key inside the security domain by ID and key version
// number.
type KeyRef struct {
	ID      byte
	Version byte
}

// KeyInfo describes one installed key as reported by GET KEY INFORMATION:
// its reference plus the type/length byte pairs of its components.
type KeyInfo struct {
	Ref        KeyRef
	Components map[byte]byte
}

// StaticKeys is an SCP03 long-term key set.
type StaticKeys struct {
	ENC []byte
	MAC []byte
	DEK []byte
}

// SecurityLevel selects which protections are applied per direction.
// C-MAC is always required for an established channel.
type SecurityLevel struct {
	CDEC bool
	RMAC bool
	RENC bool
}

// validate rejects level combinations the protocol does not define.
// Encrypted response data is only authenticated through the R-MAC, so
// R-ENC cannot stand alone.
func (l SecurityLevel) validate() error {
	if l.RENC && !l.RMAC {
		return ErrInvalidSecurityLevel
	}
	return nil
}

// Byte encodes the security level for EXTERNAL AUTHENTICATE P1.
func (l SecurityLevel) Byte() byte {
	b := byte(0x01) // C-MAC
	if l.CDEC {
		b |= 0x02
	}
	if l.RMAC {
		b |= 0x10
	}
	if l.RENC {
		b |= 0x20
	}
	return b
}
