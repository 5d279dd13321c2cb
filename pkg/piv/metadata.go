package piv

import (
	"fmt"

	"github.com/go-scp/pivscp/pkg/pivtypes"

	"cunicu.li/go-iso7816/encoding/tlv"
)

// Metadata tags returned by the metadata instruction.
const (
	tagMetaAlgorithm = 0x01
	tagMetaPolicy    = 0x02
	tagMetaOrigin    = 0x03
	tagMetaPublicKey = 0x04
	tagMetaIsDefault = 0x05
	tagMetaRetries   = 0x06
)

// SlotMetadata describes a key slot: its algorithm and the policies that
// gate its use.
type SlotMetadata struct {
	Algorithm   pivtypes.Algorithm
	PINPolicy   pivtypes.PINPolicy
	TouchPolicy pivtypes.TouchPolicy
	PublicKey   []byte
}

// ManagementKeyMetadata describes the management key configuration.
type ManagementKeyMetadata struct {
	Algorithm   pivtypes.Algorithm
	TouchPolicy pivtypes.TouchPolicy
	IsDefault   bool
}

// SlotMetadata fetches algorithm and policy information for a key slot.
func (s *Session) SlotMetadata(slot pivtypes.Slot) (*SlotMetadata, error) {
	tvs, err := s.metadata(byte(slot))
	if err != nil {
		return nil, err
	}

	meta := &SlotMetadata{}

	if v, _, ok := tvs.Get(tagMetaAlgorithm); ok && len(v) == 1 {
		meta.Algorithm = pivtypes.Algorithm(v[0])
	}
	if v, _, ok := tvs.Get(tagMetaPolicy); ok && len(v) == 2 {
		meta.PINPolicy = pivtypes.PINPolicy(v[0])
		meta.TouchPolicy = pivtypes.TouchPolicy(v[1])
	}
	if v, _, ok := tvs.Get(tagMetaPublicKey); ok {
		meta.PublicKey = v
	}

	return meta, nil
}

// ManagementKeyMetadata fetches the management key algorithm and whether
// the factory default value is still set.
func (s *Session) ManagementKeyMetadata() (*ManagementKeyMetadata, error) {
	tvs, err := s.metadata(byte(pivtypes.KeyRefManagement))
	if err != nil {
		return nil, err
	}

	meta := &ManagementKeyMetadata{Algorithm: pivtypes.Alg3DES}

	if v, _, ok := tvs.Get(tagMetaAlgorithm); ok && len(v) == 1 {
		meta.Algorithm = pivtypes.Algorithm(v[0])
	}
	if v, _, ok := tvs.Get(tagMetaPolicy); ok && len(v) == 2 {
		meta.TouchPolicy = pivtypes.TouchPolicy(v[1])
	}
	if v, _, ok := tvs.Get(tagMetaIsDefault); ok && len(v) == 1 {
		meta.IsDefault = v[0] != 0
	}

	return meta, nil
}

// RetryState fetches the configured ceiling and current remaining count for
// the PIN or PUK without consuming an attempt. The remaining value read
// here is exact, unlike the 4-bit capped count in a VERIFY status word.
func (s *Session) RetryState(ref pivtypes.KeyReference) (pivtypes.RetryState, error) {
	tvs, err := s.metadata(byte(ref))
	if err != nil {
		return pivtypes.RetryState{}, err
	}

	v, _, ok := tvs.Get(tagMetaRetries)
	if !ok || len(v) != 2 {
		return pivtypes.RetryState{}, fmt.Errorf("piv: metadata for %s is missing retry counts", ref)
	}

	return pivtypes.RetryState{Attempts: v[0], Remaining: v[1]}, nil
}

func (s *Session) metadata(ref byte) (tlv.TagValues, error) {
	resp, err := s.send(pivtypes.InsGetMetadata, 0x00, ref, nil)
	if err != nil {
		return nil, err
	}

	tvs, err := tlv.DecodeBER(resp)
	if err != nil {
		return nil, fmt.Errorf("cannot decode metadata: %w", err)
	}

	return tvs, nil
}
