package piv

import (
	"errors"
	"fmt"

	"github.com/go-scp/pivscp/pkg/pivtypes"

	"cunicu.li/go-iso7816/encoding/tlv"
)

const (
	tagObjectID   = 0x5c
	tagObjectData = 0x53
)

func objectID(object uint32) []byte {
	return []byte{byte(object >> 16), byte(object >> 8), byte(object)}
}

// GetData reads a data object. Returns pivtypes.ErrNotFound (wrapped) when
// the object does not exist on the card.
func (s *Session) GetData(object uint32) ([]byte, error) {
	resp, err := s.sendTLV(pivtypes.InsGetData, 0x3f, 0xff,
		tlv.New(tagObjectID, objectID(object)),
	)
	if err != nil {
		return nil, err
	}

	v, _, ok := resp.Get(tagObjectData)
	if !ok {
		return nil, errors.New("piv: data object response is missing the 53 wrapper")
	}

	return v, nil
}

// PutData writes a data object. Writing is a management-key-gated
// operation; authentication is ensured lazily.
func (s *Session) PutData(object uint32, value []byte) error {
	if err := s.EnsureManagementKey(); err != nil {
		return err
	}

	data, err := tlv.EncodeBER(
		tlv.New(tagObjectID, objectID(object)),
		tlv.New(tagObjectData, value),
	)
	if err != nil {
		return fmt.Errorf("cannot encode data object: %w", err)
	}

	_, err = s.send(pivtypes.InsPutData, 0x3f, 0xff, data)
	return err
}
