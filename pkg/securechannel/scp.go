// Package securechannel establishes GlobalPlatform SCP03 and SCP11 secure
// channels over a plaintext APDU transport and wraps every subsequent
// command/response pair in MACs and, depending on the security level,
// encryption.
package securechannel

import (
	"crypto/ecdh"
	"crypto/x509"

	"github.com/go-scp/pivscp/pkg/options"

	"github.com/skythen/apdu"
)

// Transmitter exchanges a single command APDU for a response APDU.
// One Transmitter must not be driven concurrently; the session keeps
// mutable counter state without internal locking.
type Transmitter interface {
	Transmit(capdu apdu.Capdu) (apdu.Rapdu, error)
}

// ChannelParameters selects the protocol variant and carries its key
// material. It is dispatched once by Open; the resulting Session behaves
// uniformly regardless of variant.
type ChannelParameters interface {
	channelParams()
}

// Symmetric establishes an SCP03 channel from a pre-shared static key set.
type Symmetric struct {
	KeyVersion byte
	Keys       StaticKeys
	Level      SecurityLevel
}

// AsymmetricB establishes an SCP11b channel. The card is authenticated
// through its known static public key (typically extracted from a verified
// certificate chain); the host is not authenticated.
type AsymmetricB struct {
	KeyRef        KeyRef
	CardPublicKey *ecdh.PublicKey
	Level         SecurityLevel
}

// AsymmetricAC establishes a mutually authenticated SCP11a or SCP11c
// channel. The host proves possession of its static key; the certificate
// chain is rooted in an OCE authority the card trusts.
type AsymmetricAC struct {
	KeyRef        KeyRef
	OCEKeyRef     KeyRef
	CardPublicKey *ecdh.PublicKey
	PrivateKey    *ecdh.PrivateKey
	CertChain     []*x509.Certificate

	// KeyUsage distinguishes the a and c variants; defaults to SCP11a.
	KeyUsage byte
	Level    SecurityLevel
}

func (Symmetric) channelParams()    {}
func (AsymmetricB) channelParams()  {}
func (AsymmetricAC) channelParams() {}

// Open performs the handshake for the given parameters and returns an
// established session. On any authentication failure no session is returned
// and no key material survives.
func Open(tx Transmitter, params ChannelParameters, opts ...options.Option) (*Session, error) {
	oo := options.NewOptions(opts...)

	switch p := params.(type) {
	case Symmetric:
		if err := p.Level.validate(); err != nil {
			return nil, err
		}
		return openSCP03(tx, p, oo)
	case AsymmetricB:
		if err := p.Level.validate(); err != nil {
			return nil, err
		}
		return openSCP11(tx, scp11Params{
			keyRef:        p.KeyRef,
			cardPublicKey: p.CardPublicKey,
			level:         p.Level,
		}, oo)
	case AsymmetricAC:
		if err := p.Level.validate(); err != nil {
			return nil, err
		}
		usage := p.KeyUsage
		if usage == 0 {
			usage = defaultKeyUsageAC
		}
		return openSCP11(tx, scp11Params{
			keyRef:        p.KeyRef,
			oceKeyRef:     p.OCEKeyRef,
			cardPublicKey: p.CardPublicKey,
			privateKey:    p.PrivateKey,
			certChain:     p.CertChain,
			keyUsage:      usage,
			level:         p.Level,
		}, oo)
	default:
		return nil, ErrUnsupportedProtocol
	}
}
