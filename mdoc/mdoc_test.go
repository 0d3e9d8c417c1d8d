package mdoc

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

func TestValue_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{name: "text", value: Text("Alice")},
		{name: "integer", value: Integer(-33)},
		{name: "bool", value: Bool(true)},
		{name: "bytes", value: Bytes([]byte{1, 2, 3})},
		{name: "date", value: Date(time.Date(1990, 5, 1, 13, 0, 0, 0, time.UTC))},
		{name: "datetime", value: DateTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))},
		{name: "array", value: Array(Text("a"), Integer(1))},
		{name: "empty array", value: Array()},
		{name: "map", value: Map(map[string]Value{"b": Integer(2), "a": Array(Bool(false))})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.value)
			require.NoError(t, err)

			var decoded Value
			require.NoError(t, Unmarshal(b, &decoded))
			assert.True(t, tt.value.Equal(decoded), "got %v", decoded.Interface())
			assert.Equal(t, tt.value.Kind(), decoded.Kind())

			again, err := Marshal(decoded)
			require.NoError(t, err)
			assert.Equal(t, b, again)
		})
	}
}

func TestValue_MapEncodingIsOrderIndependent(t *testing.T) {
	a, err := ValueOf(map[string]interface{}{"x": 1, "yy": 2, "z": 3})
	require.NoError(t, err)
	b, err := ValueOf(map[interface{}]interface{}{"z": 3, "x": 1, "yy": 2})
	require.NoError(t, err)

	ea, err := Marshal(a)
	require.NoError(t, err)
	eb, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ea, eb)
	assert.Equal(t, []string{"x", "yy", "z"}, a.Keys())
}

func TestValueOf_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{name: "nil", input: nil},
		{name: "float", input: 1.5},
		{name: "uint overflow", input: uint64(math.MaxUint64)},
		{name: "non string map key", input: map[interface{}]interface{}{1: "a"}},
		{name: "nested unsupported", input: []interface{}{"a", struct{}{}}},
		{name: "zero value", input: Value{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValueOf(tt.input)
			assert.ErrorIs(t, err, ErrEncoding)
			assert.Equal(t, CategoryStorage, CategoryOf(err))
		})
	}

	_, err := Marshal(Value{})
	assert.ErrorIs(t, err, ErrEncoding)
}

func TestIssuerSignedItemBytes_Digest(t *testing.T) {
	item := IssuerSignedItem{
		DigestID:          7,
		Random:            bytes.Repeat([]byte{0xaa}, 32),
		ElementIdentifier: "given_name",
		ElementValue:      Text("Alice"),
	}
	b, err := NewIssuerSignedItemBytes(item)
	require.NoError(t, err)

	wrapped, err := WrapEncoded(b)
	require.NoError(t, err)
	want, err := hash.Digest(wrapped, hash.SHA256)
	require.NoError(t, err)

	got, err := b.Digest(hash.SHA256)
	require.NoError(t, err)
	assert.Equal(t, Digest(want), got)

	// the digest covers the whole item
	tampered := item
	tampered.ElementValue = Text("Bob")
	tb, err := NewIssuerSignedItemBytes(tampered)
	require.NoError(t, err)
	other, err := tb.Digest(hash.SHA256)
	require.NoError(t, err)
	assert.NotEqual(t, got, other)

	_, err = b.Digest("MD5")
	assert.ErrorIs(t, err, ErrUnsupportedDigestAlgorithm)

	decoded, err := b.IssuerSignedItem()
	require.NoError(t, err)
	assert.Equal(t, item.DigestID, decoded.DigestID)
	assert.True(t, item.ElementValue.Equal(decoded.ElementValue))
}

func TestDeviceAuthenticationBytes(t *testing.T) {
	transcript, err := Marshal([]interface{}{nil, nil, []interface{}{"handover"}})
	require.NoError(t, err)

	a, err := DeviceAuthenticationBytes(transcript, "X", nil)
	require.NoError(t, err)
	b, err := DeviceAuthenticationBytes(transcript, "X", EmptyDeviceNameSpaces())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	content, err := UnwrapEncoded(a)
	require.NoError(t, err)
	var decoded []interface{}
	require.NoError(t, Unmarshal(content, &decoded))
	require.Len(t, decoded, 4)
	assert.Equal(t, "DeviceAuthentication", decoded[0])
	assert.Equal(t, "X", decoded[2])

	other, err := DeviceAuthenticationBytes(transcript, "Y", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = DeviceAuthenticationBytes(nil, "X", nil)
	assert.Error(t, err)
	_, err = DeviceAuthenticationBytes(transcript, "", nil)
	assert.Error(t, err)
}

func TestCOSEKey_RoundTrip(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		t.Run(curve.Params().Name, func(t *testing.T) {
			priv, err := ecdsa.GenerateKey(curve, rand.Reader)
			require.NoError(t, err)
			key, err := NewCOSEKey(&priv.PublicKey)
			require.NoError(t, err)

			b, err := Marshal(key)
			require.NoError(t, err)
			var raw interface{}
			require.NoError(t, Unmarshal(b, &raw))
			decoded, err := COSEKeyFromHeader(raw)
			require.NoError(t, err)

			pub, err := decoded.PublicKey()
			require.NoError(t, err)
			assert.True(t, pub.Equal(&priv.PublicKey))
		})
	}

	_, err := NewCOSEKey(nil)
	assert.Error(t, err)
}

func TestMac0(t *testing.T) {
	transcript, err := Marshal([]interface{}{nil, nil, "handover"})
	require.NoError(t, err)
	device, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	reader, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	deviceSide, err := DeriveEMacKey(device, reader.PublicKey(), transcript)
	require.NoError(t, err)
	readerSide, err := DeriveEMacKey(reader, device.PublicKey(), transcript)
	require.NoError(t, err)
	assert.Equal(t, deviceSide, readerSide)
	assert.Len(t, deviceSide, 32)

	da, err := DeviceAuthenticationBytes(transcript, "X", nil)
	require.NoError(t, err)
	mac, err := NewDeviceMac(deviceSide, da)
	require.NoError(t, err)

	b, err := Marshal(mac)
	require.NoError(t, err)
	var decoded Mac0
	require.NoError(t, Unmarshal(b, &decoded))
	assert.NoError(t, decoded.Verify(readerSide, da))

	otherTranscript, err := Marshal([]interface{}{nil, nil, "other"})
	require.NoError(t, err)
	otherKey, err := DeriveEMacKey(reader, device.PublicKey(), otherTranscript)
	require.NoError(t, err)
	assert.Error(t, decoded.Verify(otherKey, da))

	otherDA, err := DeviceAuthenticationBytes(transcript, "Y", nil)
	require.NoError(t, err)
	assert.Error(t, decoded.Verify(readerSide, otherDA))

	_, err = DeriveEMacKey(nil, device.PublicKey(), transcript)
	assert.Error(t, err)
}

func TestCredential_Clone(t *testing.T) {
	item, err := NewIssuerSignedItemBytes(IssuerSignedItem{
		DigestID:          0,
		Random:            []byte{1},
		ElementIdentifier: "given_name",
		ElementValue:      Text("Alice"),
	})
	require.NoError(t, err)
	cred := &Credential{
		DocType:      "X",
		IssuerSigned: IssuerSigned{NameSpaces: IssuerNameSpaces{"personal": {item}}},
	}

	clone := cred.Clone()
	clone.IssuerSigned.NameSpaces["personal"][0][0] ^= 0xff
	delete(clone.IssuerSigned.NameSpaces, "personal")

	require.Len(t, cred.IssuerSigned.NameSpaces["personal"], 1)
	assert.Equal(t, item, cred.IssuerSigned.NameSpaces["personal"][0])

	attrs, err := cred.Attributes()
	require.NoError(t, err)
	assert.Equal(t, map[NameSpace]map[ElementIdentifier]interface{}{
		"personal": {"given_name": "Alice"},
	}, attrs)
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		err  error
		want Category
	}{
		{err: nil, want: CategoryNone},
		{err: ErrEncoding, want: CategoryStorage},
		{err: fmt.Errorf("wrapped: %w", ErrAttributeMismatch), want: CategoryStorage},
		{err: ErrKeyResolution, want: CategoryStorage},
		{err: ErrUnsupportedDigestAlgorithm, want: CategoryStorage},
		{err: ErrDeviceAuthenticationFailed, want: CategorySession},
		{err: fmt.Errorf("%w: %w", ErrMissingOrInvalidPoa, ErrDuplicateKeyInPoa), want: CategorySession},
		{err: ErrTooFewKeysForPoa, want: CategorySession},
		{err: &DocumentError{DocType: "X", Err: ErrAttributeVerificationFailed}, want: CategoryTrust},
		{err: ErrCertificateChainInvalid, want: CategoryTrust},
		{err: ErrExpiredMetadata, want: CategoryTrust},
		{err: errors.New("boom"), want: CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestFailedDocType(t *testing.T) {
	err := fmt.Errorf("verify: %w", &DocumentError{DocType: "X", Err: ErrExpiredMetadata})
	docType, ok := FailedDocType(err)
	assert.True(t, ok)
	assert.Equal(t, DocType("X"), docType)
	assert.ErrorIs(t, err, ErrExpiredMetadata)

	_, ok = FailedDocType(ErrExpiredMetadata)
	assert.False(t, ok)
}

func TestUnmarshal_RejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]int
	assert.Error(t, Unmarshal(data, &out))
}

func TestDeviceSigned_DeviceNameSpaces(t *testing.T) {
	empty := DeviceSigned{}
	ns, err := empty.DeviceNameSpaces()
	require.NoError(t, err)
	assert.Empty(t, ns)

	b, err := Marshal(DeviceNameSpaces{"personal": {"given_name": Text("Alice")}})
	require.NoError(t, err)
	signed := DeviceSigned{NameSpaces: b}
	ns, err = signed.DeviceNameSpaces()
	require.NoError(t, err)
	require.Contains(t, ns, NameSpace("personal"))
	assert.True(t, ns["personal"]["given_name"].Equal(Text("Alice")))

	broken := DeviceSigned{NameSpaces: DeviceNameSpacesBytes{0xff}}
	_, err = broken.DeviceNameSpaces()
	assert.Error(t, err)
}
