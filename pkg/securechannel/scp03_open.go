package securechannel

import (
	"crypto/aes"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/go-scp/pivscp/pkg/options"
	"github.com/go-scp/pivscp/pkg/securechannel/scp03"

	"github.com/skythen/apdu"
)

func openSCP03(tx Transmitter, params Symmetric, oo *options.Options) (*Session, error) {
	hostChallenge := make([]byte, 8)
	if _, err := io.ReadFull(oo.Rand, hostChallenge); err != nil {
		return nil, fmt.Errorf("cannot generate host challenge: %w", err)
	}

	initUpdate := apdu.Capdu{
		Cla:  claGP,
		Ins:  insInitializeUpdate,
		P1:   params.KeyVersion,
		Data: hostChallenge,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := tx.Transmit(initUpdate)
	if err != nil {
		return nil, fmt.Errorf("cannot transmit INITIALIZE UPDATE: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newStatusError(insInitializeUpdate, resp)
	}

	iur, err := parseInitializeUpdate(resp.Data)
	if err != nil {
		return nil, err
	}

	keyLen := len(params.Keys.ENC)

	context := make([]byte, 0, 16)
	context = append(context, hostChallenge...)
	context = append(context, iur.cardChallenge...)

	sencKey, err := scp03.KDF(params.Keys.ENC, scp03.ConstSENC, context, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cannot derive S-ENC: %w", err)
	}
	smacKey, err := scp03.KDF(params.Keys.MAC, scp03.ConstSMAC, context, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cannot derive S-MAC: %w", err)
	}
	srmacKey, err := scp03.KDF(params.Keys.MAC, scp03.ConstSRMAC, context, keyLen)
	if err != nil {
		return nil, fmt.Errorf("cannot derive S-RMAC: %w", err)
	}

	cardCryptogram, err := scp03.Cryptogram(smacKey, scp03.ConstCardCryptogram, hostChallenge, iur.cardChallenge)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(cardCryptogram, iur.cardCryptogram) != 1 {
		return nil, fmt.Errorf("card cryptogram mismatch: %w", ErrAuthentication)
	}

	senc, err := aes.NewCipher(sencKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create S-ENC cipher: %w", err)
	}
	smac, err := aes.NewCipher(smacKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create S-MAC cipher: %w", err)
	}
	srmac, err := aes.NewCipher(srmacKey)
	if err != nil {
		return nil, fmt.Errorf("cannot create S-RMAC cipher: %w", err)
	}

	session := &Session{
		tx:      tx,
		logger:  oo.Logger,
		level:   params.Level,
		senc:    senc,
		smac:    smac,
		srmac:   srmac,
		rawKeys: [][]byte{sencKey, smacKey, srmacKey},
		dek:     params.Keys.DEK,
	}

	hostCryptogram, err := scp03.Cryptogram(smacKey, scp03.ConstHostCryptogram, hostChallenge, iur.cardChallenge)
	if err != nil {
		return nil, err
	}

	extAuth, err := session.applyCMAC(apdu.Capdu{
		Cla:  claMAC,
		Ins:  insExternalAuthenticate,
		P1:   params.Level.Byte(),
		Data: hostCryptogram,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot wrap EXTERNAL AUTHENTICATE: %w", err)
	}

	resp, err = tx.Transmit(extAuth)
	if err != nil {
		return nil, fmt.Errorf("cannot transmit EXTERNAL AUTHENTICATE: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newStatusError(insExternalAuthenticate, resp)
	}

	return session, nil
}

type initializeUpdateResponse struct {
	diversificationData []byte
	keyVersion          byte
	scpID               byte
	iParam              byte
	cardChallenge       []byte
	cardCryptogram      []byte
}

func parseInitializeUpdate(b []byte) (*initializeUpdateResponse, error) {
	if len(b) < 29 {
		return nil, fmt.Errorf("INITIALIZE UPDATE response too short: %d bytes", len(b))
	}

	iur := &initializeUpdateResponse{
		diversificationData: b[:10],
		keyVersion:          b[10],
		scpID:               b[11],
		iParam:              b[12],
		cardChallenge:       b[13:21],
		cardCryptogram:      b[21:29],
	}

	if iur.scpID != scpIdentifier03 {
		return nil, fmt.Errorf("card negotiated SCP%02x: %w", iur.scpID, ErrUnsupportedProtocol)
	}

	return iur, nil
}
