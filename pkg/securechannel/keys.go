package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/x509"
	"fmt"
	"math/big"

	"cunicu.li/go-iso7816/encoding/tlv"
	"github.com/aead/cmac"
	"github.com/samber/lo"
	"github.com/skythen/apdu"
)

// KeyInformation enumerates the keys installed in the security domain.
// It works over an established session as well as a plain transport.
func KeyInformation(tx Transmitter) ([]KeyInfo, error) {
	getData := apdu.Capdu{
		Cla: claGP,
		Ins: insGetData,
		P2:  tagKeyInformation,
		Ne:  apdu.MaxLenResponseDataStandard,
	}

	resp, err := tx.Transmit(getData)
	if err != nil {
		return nil, fmt.Errorf("cannot transmit GET KEY INFORMATION: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newStatusError(insGetData, resp)
	}

	tvs, err := tlv.DecodeBER(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode key information: %w", err)
	}

	template, _, ok := tvs.Get(tagKeyInformation)
	if !ok {
		return nil, fmt.Errorf("key information template missing")
	}

	entries, err := tlv.DecodeBER(template)
	if err != nil {
		return nil, fmt.Errorf("cannot decode key information entries: %w", err)
	}

	var infos []KeyInfo
	for _, entry := range entries.PopAll(tagKeyInformationRef) {
		v := entry.Value
		if len(v) < 2 || len(v)%2 != 0 {
			return nil, fmt.Errorf("malformed key information entry % x", v)
		}

		info := KeyInfo{
			Ref:        KeyRef{ID: v[0], Version: v[1]},
			Components: make(map[byte]byte, (len(v)-2)/2),
		}
		for i := 2; i < len(v); i += 2 {
			info.Components[v[i]] = v[i+1]
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// PutKey installs a new SCP03 static key set under newVersion, replacing
// replaceVersion (zero for a fresh slot). Key components travel wrapped
// under the session data encryption key.
func (s *Session) PutKey(newVersion, replaceVersion byte, keys StaticKeys) error {
	data := []byte{newVersion}

	for _, component := range [][]byte{keys.ENC, keys.MAC, keys.DEK} {
		if err := s.wrapKeyComponent(component, &data); err != nil {
			return err
		}
	}

	putKey := apdu.Capdu{
		Cla:  claGP,
		Ins:  insPutKey,
		P1:   replaceVersion,
		P2:   0x81, // multiple keys, starting at key ID 1
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := s.Transmit(putKey)
	if err != nil {
		return fmt.Errorf("cannot transmit PUT KEY: %w", err)
	}
	if !resp.IsSuccess() {
		return newStatusError(insPutKey, resp)
	}

	return nil
}

// PutECKey installs a P-256 key pair for SCP11 under the given version
// number. The private scalar travels wrapped under the session data
// encryption key.
func (s *Session) PutECKey(newVersion byte, key *ecdh.PrivateKey) error {
	data := []byte{newVersion}

	wrapped, err := wrapUnderDEK(s.dek, key.Bytes())
	if err != nil {
		return err
	}

	data = append(data, 0xb1, byte(len(wrapped)))
	data = append(data, wrapped...)
	// curve parameter reference: P-256
	data = append(data, 0xf0, 0x01, 0x00)

	putKey := apdu.Capdu{
		Cla:  claGP,
		Ins:  insPutKey,
		P1:   0x00,
		P2:   0x01,
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := s.Transmit(putKey)
	if err != nil {
		return fmt.Errorf("cannot transmit PUT KEY: %w", err)
	}
	if !resp.IsSuccess() {
		return newStatusError(insPutKey, resp)
	}

	return nil
}

// DeleteKey removes the referenced key from the security domain.
func (s *Session) DeleteKey(ref KeyRef) error {
	data, err := tlv.EncodeBER(
		tlv.New(tagKeyID, []byte{ref.ID}),
		tlv.New(tagKeyVersion, []byte{ref.Version}),
	)
	if err != nil {
		return err
	}

	del := apdu.Capdu{
		Cla:  claGP,
		Ins:  insDelete,
		Data: data,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := s.Transmit(del)
	if err != nil {
		return fmt.Errorf("cannot transmit DELETE: %w", err)
	}
	if !resp.IsSuccess() {
		return newStatusError(insDelete, resp)
	}

	return nil
}

// StoreCertificateChain replaces the certificate chain associated with the
// referenced key.
func (s *Session) StoreCertificateChain(ref KeyRef, chain []*x509.Certificate) error {
	var ders []byte
	for _, cert := range chain {
		ders = append(ders, cert.Raw...)
	}

	payload, err := tlv.EncodeBER(
		tlv.New(tagControlReference, tlv.New(tagKeyRef, []byte{ref.Version, ref.ID})),
		tlv.New(tagCertificateStore, ders),
	)
	if err != nil {
		return err
	}

	return s.storeData(payload)
}

// Certificates fetches the certificate chain associated with the referenced
// key.
func (s *Session) Certificates(ref KeyRef) ([]*x509.Certificate, error) {
	selector, err := tlv.EncodeBER(
		tlv.New(tagControlReference, tlv.New(tagKeyRef, []byte{ref.Version, ref.ID})),
	)
	if err != nil {
		return nil, err
	}

	getData := apdu.Capdu{
		Cla:  claGP,
		Ins:  insGetData,
		P1:   byte(tagCertificateStore >> 8),
		P2:   byte(tagCertificateStore & 0xff),
		Data: selector,
		Ne:   apdu.MaxLenResponseDataStandard,
	}

	resp, err := s.Transmit(getData)
	if err != nil {
		return nil, fmt.Errorf("cannot transmit GET DATA: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, newStatusError(insGetData, resp)
	}

	tvs, err := tlv.DecodeBER(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("cannot decode certificate store: %w", err)
	}

	ders, _, ok := tvs.Get(tagCertificateStore)
	if !ok {
		return nil, fmt.Errorf("certificate store object missing")
	}

	return x509.ParseCertificates(ders)
}

// StoreAllowlist restricts SCP11a/c authentication under the referenced key
// to OCE certificates with the given serial numbers.
func (s *Session) StoreAllowlist(ref KeyRef, serials []*big.Int) error {
	children := lo.Map(serials, func(sn *big.Int, _ int) tlv.TagValue {
		return tlv.New(tagSerialNumber, sn.Bytes())
	})

	serialList, err := tlv.EncodeBER(children...)
	if err != nil {
		return err
	}

	payload, err := tlv.EncodeBER(
		tlv.New(tagControlReference, tlv.New(tagKeyRef, []byte{ref.Version, ref.ID})),
		tlv.New(tagAllowlist, serialList),
	)
	if err != nil {
		return err
	}

	return s.storeData(payload)
}

// ClearAllowlist removes the allow-list so any verifiable OCE certificate
// authenticates again.
func (s *Session) ClearAllowlist(ref KeyRef) error {
	return s.StoreAllowlist(ref, nil)
}

// Reset erases all non-factory keys by exhausting the retry counter of
// every installed key set, which restores the factory defaults. It runs
// over a plain transport; no authentication is required.
func Reset(tx Transmitter) error {
	infos, err := KeyInformation(tx)
	if err != nil {
		return err
	}

	for _, info := range infos {
		blockKey(tx, info.Ref)
	}

	return nil
}

func blockKey(tx Transmitter, ref KeyRef) {
	// 65 attempts covers the largest configurable retry ceiling.
	for range 65 {
		resp, err := tx.Transmit(apdu.Capdu{
			Cla:  claGP,
			Ins:  insInitializeUpdate,
			P1:   ref.Version,
			Data: make([]byte, 8),
			Ne:   apdu.MaxLenResponseDataStandard,
		})
		if err != nil {
			return
		}
		if resp.IsSuccess() {
			// Feed the card a garbage host cryptogram to consume an attempt.
			resp, err = tx.Transmit(apdu.Capdu{
				Cla:  claMAC,
				Ins:  insExternalAuthenticate,
				P1:   0x01,
				Data: make([]byte, 16),
			})
			if err != nil {
				return
			}
		}
		if resp.SW1 == 0x69 && resp.SW2 == 0x83 {
			return
		}
	}
}

func (s *Session) storeData(payload []byte) error {
	chunks := lo.Chunk(payload, s.MaxPayload())
	for i, chunk := range chunks {
		p1 := byte(0x00)
		if i == len(chunks)-1 {
			p1 = 0x80
		}

		store := apdu.Capdu{
			Cla:  claGP,
			Ins:  insStoreData,
			P1:   p1,
			P2:   byte(i),
			Data: chunk,
			Ne:   apdu.MaxLenResponseDataStandard,
		}

		resp, err := s.Transmit(store)
		if err != nil {
			return fmt.Errorf("cannot transmit STORE DATA block %d: %w", i, err)
		}
		if !resp.IsSuccess() {
			return newStatusError(insStoreData, resp)
		}
	}

	return nil
}

func (s *Session) wrapKeyComponent(key []byte, data *[]byte) error {
	wrapped, err := wrapUnderDEK(s.dek, key)
	if err != nil {
		return err
	}

	kcv, err := checkValue(key)
	if err != nil {
		return err
	}

	*data = append(*data, 0x88, byte(len(wrapped)))
	*data = append(*data, wrapped...)
	*data = append(*data, byte(len(kcv)))
	*data = append(*data, kcv...)

	return nil
}

func wrapUnderDEK(dek, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("cannot create DEK cipher: %w", err)
	}

	if len(key)%16 != 0 {
		return nil, fmt.Errorf("key length %d is not a multiple of the block size", len(key))
	}

	wrapped := make([]byte, len(key))
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(wrapped, key)
	return wrapped, nil
}

// checkValue computes the 3-byte key check value: the truncated CMAC of a
// zero block under the key itself.
func checkValue(key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cannot create cipher for check value: %w", err)
	}

	mac, err := cmac.NewWithTagSize(block, 16)
	if err != nil {
		return nil, err
	}
	mac.Write(make([]byte, 16))

	return mac.Sum(nil)[:3], nil
}
