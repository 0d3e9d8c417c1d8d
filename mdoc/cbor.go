package mdoc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// tagEncodedCBOR is RFC 8949 tag 24, "encoded CBOR data item".
	tagEncodedCBOR = 24
	// tagFullDate is RFC 8943 tag 1004, a full-date text string.
	tagFullDate = 1004
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// Signatures and digests are computed over these exact bytes, so every
	// map is sorted in core deterministic order and indefinite lengths are banned.
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339
	opts.TimeTag = cbor.EncTagRequired
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Marshal encodes v in canonical form.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, rejecting duplicate map keys.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// WrapEncoded returns #6.24(bstr .cbor data).
func WrapEncoded(data []byte) ([]byte, error) {
	b, err := encMode.Marshal(cbor.Tag{Number: tagEncodedCBOR, Content: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged CBOR: %w", err)
	}
	return b, nil
}

// UnwrapEncoded is the inverse of WrapEncoded.
func UnwrapEncoded(data []byte) ([]byte, error) {
	var tag cbor.Tag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged data: %w", err)
	}
	if tag.Number != tagEncodedCBOR {
		return nil, fmt.Errorf("unexpected tag number: %d", tag.Number)
	}
	content, ok := tag.Content.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected content type: %T", tag.Content)
	}
	return content, nil
}
