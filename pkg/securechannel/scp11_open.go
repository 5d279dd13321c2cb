package securechannel

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/go-scp/pivscp/pkg/options"
	"github.com/go-scp/pivscp/pkg/securechannel/scp11"

	"cunicu.li/go-iso7816/encoding/tlv"
	"github.com/skythen/apdu"
)

const defaultKeyUsageAC = scp11.KeyUsageSCP11a

type scp11Params struct {
	keyRef        KeyRef
	oceKeyRef     KeyRef
	cardPublicKey *ecdh.PublicKey
	privateKey    *ecdh.PrivateKey
	certChain     []*x509.Certificate
	keyUsage      byte
	level         SecurityLevel
}

func (p scp11Params) mutual() bool {
	return p.privateKey != nil
}

func openSCP11(tx Transmitter, params scp11Params, oo *options.Options) (*Session, error) {
	if params.cardPublicKey == nil {
		return nil, errors.New("securechannel: card public key is required for SCP11")
	}
	if params.mutual() && len(params.certChain) == 0 {
		return nil, errors.New("securechannel: SCP11a/c requires an OCE certificate chain")
	}

	if params.mutual() {
		if err := sendCertChain(tx, params.oceKeyRef, params.certChain); err != nil {
			return nil, err
		}
	}

	ephemeral, err := ecdh.P256().GenerateKey(oo.Rand)
	if err != nil {
		return nil, fmt.Errorf("cannot generate ephemeral P-256 key: %w", err)
	}

	usage := params.keyUsage
	if usage == 0 {
		usage = scp11.KeyUsageSCP11b
	}

	hostData, err := tlv.EncodeBER(
		tlv.New(tagControlReference,
			tlv.New(tagScpIdentifier, []byte{0x11, params.keyRef.ID}),
			tlv.New(tagKeyUsage, []byte{usage}),
			tlv.New(tagKeyType, []byte{scp11.KeyTypeAES}),
			tlv.New(tagKeyLength, []byte{scp11.KeyLenAES}),
		),
		tlv.New(tagEphemeralKey, ephemeral.PublicKey().Bytes()),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot encode key agreement template: %w", err)
	}

	// SCP11b runs INTERNAL AUTHENTICATE (card only proves itself); the
	// mutual variants run EXTERNAL AUTHENTICATE against the OCE key set.
	ins := insInternalAuthenticate
	if params.mutual() {
		ins = insExternalAuthenticate
	}

	authenticate := apdu.Capdu{
		Cla:  claGP,
		Ins:  ins,
		P1:   params.keyRef.Version,
		P2:   params.keyRef.ID,
		Data: hostData,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := tx.Transmit(authenticate)
	if err != nil {
		return nil, fmt.Errorf("cannot transmit key agreement: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newStatusError(ins, resp)
	}

	tvs, err := tlv.DecodeBER(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode key agreement response: %w", err)
	}

	cardEphemeralRaw, _, ok := tvs.Get(tagEphemeralKey)
	if !ok {
		return nil, errors.New("securechannel: key agreement response is missing the card ephemeral key")
	}
	receipt, _, ok := tvs.Get(tagReceipt)
	if !ok {
		return nil, errors.New("securechannel: key agreement response is missing the receipt")
	}

	cardEphemeral, err := scp11.ParsePublicKey(cardEphemeralRaw)
	if err != nil {
		return nil, err
	}

	ephemeralShared, err := ephemeral.ECDH(cardEphemeral)
	if err != nil {
		return nil, fmt.Errorf("cannot compute ephemeral shared secret: %w", err)
	}

	// SCP11b involves the card static key with the host ephemeral key;
	// SCP11a/c bind both static keys for mutual authentication.
	staticPriv := ephemeral
	if params.mutual() {
		staticPriv = params.privateKey
	}
	staticShared, err := staticPriv.ECDH(params.cardPublicKey)
	if err != nil {
		return nil, fmt.Errorf("cannot compute static shared secret: %w", err)
	}

	z, err := scp11.SharedSecret(ephemeralShared, staticShared)
	if err != nil {
		return nil, err
	}

	keys := scp11.DeriveSessionKeys(z, usage)

	cardData, err := tlv.EncodeBER(tlv.New(tagEphemeralKey, cardEphemeralRaw))
	if err != nil {
		return nil, err
	}

	expected, err := scp11.Receipt(keys.ReceiptKey, hostData, cardData)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, receipt) != 1 {
		return nil, fmt.Errorf("receipt mismatch: %w", ErrAuthentication)
	}

	senc, err := aes.NewCipher(keys.SENC)
	if err != nil {
		return nil, fmt.Errorf("cannot create S-ENC cipher: %w", err)
	}
	smac, err := aes.NewCipher(keys.SMAC)
	if err != nil {
		return nil, fmt.Errorf("cannot create S-MAC cipher: %w", err)
	}
	srmac, err := aes.NewCipher(keys.SRMAC)
	if err != nil {
		return nil, fmt.Errorf("cannot create S-RMAC cipher: %w", err)
	}

	session := &Session{
		tx:      tx,
		logger:  oo.Logger,
		level:   params.level,
		senc:    senc,
		smac:    smac,
		srmac:   srmac,
		rawKeys: [][]byte{keys.ReceiptKey, keys.SENC, keys.SMAC, keys.SRMAC, keys.DEK},
		dek:     keys.DEK,
	}

	// The receipt seeds the MAC chaining value for the first command.
	copy(session.chaining[:], receipt)

	return session, nil
}

func sendCertChain(tx Transmitter, oceRef KeyRef, chain []*x509.Certificate) error {
	for i, cert := range chain {
		cla := claGP
		if i < len(chain)-1 {
			cla |= claChaining
		}

		pso := apdu.Capdu{
			Cla:  cla,
			Ins:  insPerformSecurityOperation,
			P1:   oceRef.Version,
			P2:   oceRef.ID,
			Data: cert.Raw,
		}

		resp, err := tx.Transmit(pso)
		if err != nil {
			return fmt.Errorf("cannot transmit certificate %d: %w", i, err)
		}
		if !resp.IsSuccess() {
			// A populated allow-list missing this serial is reported
			// separately from a bad signature or key.
			if resp.SW1 == 0x69 && resp.SW2 == 0x85 {
				return fmt.Errorf("certificate %v rejected: %w", cert.SerialNumber, ErrCertificateNotAllowed)
			}
			return newStatusError(insPerformSecurityOperation, resp)
		}
	}

	return nil
}
