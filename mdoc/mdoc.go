package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

// MSOVersion is the only MobileSecurityObject version written and accepted.
const MSOVersion = "1.0"

// DeviceResponseVersion is the only DeviceResponse version written and accepted.
const DeviceResponseVersion = "1.0"

type DocType string

type NameSpace string

type ElementIdentifier string

type DeviceResponse struct {
	Version        string               `cbor:"version"`
	Documents      []Document           `cbor:"documents,omitempty"`
	DocumentErrors []DocumentErrorCodes `cbor:"documentErrors,omitempty"`
	Status         uint                 `cbor:"status"`

	// ProofOfAssociation is present when documents bound to more than one
	// device key are disclosed together.
	ProofOfAssociation *cose.SignMessage `cbor:"proofOfAssociation,omitempty"`
}

// DecodeDeviceResponse parses an encoded DeviceResponse.
func DecodeDeviceResponse(data []byte) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device response: %w", err)
	}
	return &resp, nil
}

type Document struct {
	DocType      DocType      `cbor:"docType"`
	IssuerSigned IssuerSigned `cbor:"issuerSigned"`
	DeviceSigned DeviceSigned `cbor:"deviceSigned"`
	Errors       Errors       `cbor:"errors,omitempty"`
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces          `cbor:"nameSpaces,omitempty"`
	IssuerAuth cose.UntaggedSign1Message `cbor:"issuerAuth"`
}

func (i *IssuerSigned) GetIssuerSignedItems(ns NameSpace) ([]IssuerSignedItem, error) {
	isis := []IssuerSignedItem{}

	if len(i.NameSpaces[ns]) == 0 {
		return nil, fmt.Errorf("namespace %s not found", ns)
	}
	for _, b := range i.NameSpaces[ns] {
		isi, err := b.IssuerSignedItem()
		if err != nil {
			return nil, fmt.Errorf("failed to parse issuerSignedItem: %w", err)
		}
		isis = append(isis, *isi)
	}
	return isis, nil
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth.Headers.Protected == nil {
		return 0, fmt.Errorf("protected header is nil")
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

// DocumentSigningCertificateChain parses the x5chain header, leaf first.
func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	if i.IssuerAuth.Headers.Unprotected == nil {
		return nil, fmt.Errorf("missing unprotected headers")
	}

	rawX5Chain, ok := i.IssuerAuth.Headers.Unprotected[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, fmt.Errorf("x5chain not found in unprotected headers")
	}

	var rawX5ChainBytes [][]byte
	switch v := rawX5Chain.(type) {
	case [][]byte:
		rawX5ChainBytes = v
	case []byte:
		rawX5ChainBytes = [][]byte{v}
	case []interface{}:
		for _, e := range v {
			b, ok := e.([]byte)
			if !ok {
				return nil, fmt.Errorf("unexpected x5chain element type: %T", e)
			}
			rawX5ChainBytes = append(rawX5ChainBytes, b)
		}
	default:
		return nil, fmt.Errorf("unexpected x5chain type: %T", rawX5Chain)
	}

	if len(rawX5ChainBytes) == 0 {
		return nil, fmt.Errorf("empty x5chain")
	}

	certs := make([]*x509.Certificate, 0, len(rawX5ChainBytes))
	for _, certData := range rawX5ChainBytes {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("error parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	return certs, nil
}

func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, fmt.Errorf("missing payload")
	}
	return ParseMobileSecurityObject(i.IssuerAuth.Payload)
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

// IssuerSignedItemBytes holds the encoded IssuerSignedItem exactly as it was
// digested at issuance. On the wire it is wrapped in tag 24.
type IssuerSignedItemBytes []byte

// NewIssuerSignedItemBytes encodes item canonically.
func NewIssuerSignedItemBytes(item IssuerSignedItem) (IssuerSignedItemBytes, error) {
	b, err := encMode.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issuer signed item: %w", err)
	}
	return IssuerSignedItemBytes(b), nil
}

func (i IssuerSignedItemBytes) MarshalCBOR() ([]byte, error) {
	return WrapEncoded(i)
}

func (i *IssuerSignedItemBytes) UnmarshalCBOR(data []byte) error {
	content, err := UnwrapEncoded(data)
	if err != nil {
		return err
	}
	*i = append((*i)[:0], content...)
	return nil
}

func (i IssuerSignedItemBytes) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(i) == 0 {
		return nil, fmt.Errorf("empty issuer signed item bytes")
	}
	var item IssuerSignedItem
	if err := decMode.Unmarshal(i, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal issuer signed item: %w", err)
	}
	return &item, nil
}

// Digest is Hash(#6.24(bstr .cbor IssuerSignedItem)).
func (i IssuerSignedItemBytes) Digest(alg string) (Digest, error) {
	if len(i) == 0 {
		return nil, fmt.Errorf("issuer signed item bytes is empty")
	}
	v, err := WrapEncoded(i)
	if err != nil {
		return nil, err
	}
	return hash.Digest(v, alg)
}

type IssuerSignedItem struct {
	DigestID          DigestID          `cbor:"digestID"`
	Random            []byte            `cbor:"random"`
	ElementIdentifier ElementIdentifier `cbor:"elementIdentifier"`
	ElementValue      Value             `cbor:"elementValue"`
}

type MobileSecurityObject struct {
	Version         string        `cbor:"version"`
	DigestAlgorithm string        `cbor:"digestAlgorithm"`
	ValueDigests    ValueDigests  `cbor:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `cbor:"deviceKeyInfo"`
	DocType         DocType       `cbor:"docType"`
	ValidityInfo    ValidityInfo  `cbor:"validityInfo"`
}

// ParseMobileSecurityObject decodes a tag 24 wrapped MSO payload.
func ParseMobileSecurityObject(payload []byte) (*MobileSecurityObject, error) {
	content, err := UnwrapEncoded(payload)
	if err != nil {
		return nil, err
	}
	var mso MobileSecurityObject
	if err := decMode.Unmarshal(content, &mso); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MSO: %w", err)
	}
	return &mso, nil
}

// Payload returns the tag 24 wrapped encoding signed by the issuer.
func (m *MobileSecurityObject) Payload() ([]byte, error) {
	b, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal MSO: %w", err)
	}
	return WrapEncoded(b)
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || m.DeviceKeyInfo.DeviceKey == nil {
		return nil, fmt.Errorf("device key not available")
	}
	return m.DeviceKeyInfo.DeviceKey.PublicKey()
}

func (m *MobileSecurityObject) GetDigest(ns NameSpace, digestID DigestID) (Digest, error) {
	digests, ok := m.ValueDigests[ns]
	if !ok {
		return nil, fmt.Errorf("value digests not found: %s", ns)
	}
	digest, ok := digests[digestID]
	if !ok {
		return nil, fmt.Errorf("digest not found: %s, %d", ns, digestID)
	}
	return digest, nil
}

type DeviceKeyInfo struct {
	DeviceKey *COSEKey `cbor:"deviceKey"`
}

type COSEKey struct {
	Kty       int             `cbor:"1,keyasint,omitempty"`
	Kid       []byte          `cbor:"2,keyasint,omitempty"`
	Alg       int             `cbor:"3,keyasint,omitempty"`
	KeyOpts   int             `cbor:"4,keyasint,omitempty"`
	IV        []byte          `cbor:"5,keyasint,omitempty"`
	CrvOrNOrK cbor.RawMessage `cbor:"-1,keyasint,omitempty"` // K for symmetric keys, Crv for elliptic curve keys, N for RSA modulus
	XOrE      cbor.RawMessage `cbor:"-2,keyasint,omitempty"` // X for curve x-coordinate, E for RSA public exponent
	Y         cbor.RawMessage `cbor:"-3,keyasint,omitempty"` // Y for curve y-cooridate
	D         []byte          `cbor:"-4,keyasint,omitempty"`
}

const keyTypeEC2 = 2

// NewCOSEKey encodes an EC2 public key.
func NewCOSEKey(pub *ecdsa.PublicKey) (*COSEKey, error) {
	if pub == nil {
		return nil, fmt.Errorf("public key is nil")
	}
	var crv int
	switch pub.Curve {
	case elliptic.P256():
		crv = P256
	case elliptic.P384():
		crv = P384
	case elliptic.P521():
		crv = P521
	default:
		return nil, fmt.Errorf("unsupported curve: %s", pub.Curve.Params().Name)
	}
	size := (pub.Curve.Params().BitSize + 7) / 8

	crvBytes, err := encMode.Marshal(crv)
	if err != nil {
		return nil, err
	}
	x, err := encMode.Marshal(pub.X.FillBytes(make([]byte, size)))
	if err != nil {
		return nil, err
	}
	y, err := encMode.Marshal(pub.Y.FillBytes(make([]byte, size)))
	if err != nil {
		return nil, err
	}
	return &COSEKey{Kty: keyTypeEC2, CrvOrNOrK: crvBytes, XOrE: x, Y: y}, nil
}

// COSEKeyFromHeader converts a decoded header value back into a COSEKey.
func COSEKeyFromHeader(v interface{}) (*COSEKey, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cose key header: %w", err)
	}
	var key COSEKey
	if err := decMode.Unmarshal(b, &key); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cose key: %w", err)
	}
	return &key, nil
}

func (k *COSEKey) PublicKey() (*ecdsa.PublicKey, error) {
	return parseECDSA(k)
}

type ValueDigests map[NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type ValidityInfo struct {
	Signed         time.Time  `cbor:"signed"`
	ValidFrom      time.Time  `cbor:"validFrom"`
	ValidUntil     time.Time  `cbor:"validUntil"`
	ExpectedUpdate *time.Time `cbor:"expectedUpdate,omitempty"`
}

type DigestID uint32

type Digest []byte

type DeviceSigned struct {
	NameSpaces DeviceNameSpacesBytes `cbor:"nameSpaces"`
	DeviceAuth DeviceAuth            `cbor:"deviceAuth"`
}

// DeviceNameSpacesBytes is the encoded DeviceNameSpaces map, tag 24 on the wire.
type DeviceNameSpacesBytes []byte

// EmptyDeviceNameSpaces encodes a DeviceNameSpaces map with no entries.
func EmptyDeviceNameSpaces() DeviceNameSpacesBytes {
	return DeviceNameSpacesBytes{0xa0}
}

func (d DeviceNameSpacesBytes) MarshalCBOR() ([]byte, error) {
	if len(d) == 0 {
		d = EmptyDeviceNameSpaces()
	}
	return WrapEncoded(d)
}

func (d *DeviceNameSpacesBytes) UnmarshalCBOR(data []byte) error {
	content, err := UnwrapEncoded(data)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], content...)
	return nil
}

type DeviceNameSpaces map[NameSpace]DeviceSignedItems

type DeviceSignedItems map[ElementIdentifier]Value

func (d *DeviceSigned) Alg() (cose.Algorithm, error) {
	if d == nil || d.DeviceAuth.DeviceSignature == nil {
		return 0, fmt.Errorf("device signature is nil")
	}
	if d.DeviceAuth.DeviceSignature.Headers.Protected == nil {
		return 0, fmt.Errorf("protected headers not available")
	}
	return d.DeviceAuth.DeviceSignature.Headers.Protected.Algorithm()
}

func (d *DeviceSigned) DeviceAuthenticationBytes(docType DocType, sessionTranscript []byte) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("device signed is nil")
	}
	return DeviceAuthenticationBytes(sessionTranscript, docType, d.NameSpaces)
}

// DeviceNameSpaces decodes the device signed elements. Missing bytes decode
// as an empty map.
func (d *DeviceSigned) DeviceNameSpaces() (DeviceNameSpaces, error) {
	if len(d.NameSpaces) == 0 {
		return DeviceNameSpaces{}, nil
	}
	var nameSpaces DeviceNameSpaces
	if err := decMode.Unmarshal(d.NameSpaces, &nameSpaces); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device name spaces: %w", err)
	}
	return nameSpaces, nil
}

// DeviceAuthenticationBytes builds the tag 24 wrapped DeviceAuthentication
// structure that a device key signs or MACs:
//
//	DeviceAuthentication = [
//	    "DeviceAuthentication",
//	    SessionTranscript,
//	    DocType,
//	    DeviceNameSpacesBytes
//	]
func DeviceAuthenticationBytes(sessionTranscript []byte, docType DocType, nameSpaces DeviceNameSpacesBytes) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, fmt.Errorf("session transcript is empty")
	}
	if docType == "" {
		return nil, fmt.Errorf("doc type is empty")
	}
	if len(nameSpaces) == 0 {
		nameSpaces = EmptyDeviceNameSpaces()
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		nameSpaces,
	}

	da, err := encMode.Marshal(deviceAuthentication)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device authentication: %w", err)
	}
	return WrapEncoded(da)
}

type DeviceAuth struct {
	DeviceSignature *cose.UntaggedSign1Message `cbor:"deviceSignature,omitempty"`
	DeviceMac       *Mac0                      `cbor:"deviceMac,omitempty"`
}

type DocumentErrorCodes map[DocType]ErrorCode

type Errors map[NameSpace]ErrorItems

type ErrorItems map[ElementIdentifier]ErrorCode

type ErrorCode int

// COSE elliptic curve identifiers.
const (
	P256 = 1
	P384 = 2
	P521 = 3
)

func parseECDSA(coseKey *COSEKey) (*ecdsa.PublicKey, error) {
	if coseKey == nil {
		return nil, fmt.Errorf("cose key is nil")
	}
	if coseKey.Kty != keyTypeEC2 {
		return nil, fmt.Errorf("unsupported key type: %d", coseKey.Kty)
	}

	var crv int
	if err := cbor.Unmarshal(coseKey.CrvOrNOrK, &crv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal curve: %w", err)
	}

	var xBytes []byte
	if err := cbor.Unmarshal(coseKey.XOrE, &xBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal X coordinate: %w", err)
	}

	var yBytes []byte
	if err := cbor.Unmarshal(coseKey.Y, &yBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Y coordinate: %w", err)
	}

	if len(xBytes) == 0 || len(yBytes) == 0 {
		return nil, fmt.Errorf("invalid coordinates")
	}

	var curve elliptic.Curve
	switch crv {
	case P256: // RFC 8152 Table 21
		curve = elliptic.P256()
	case P384:
		curve = elliptic.P384()
	case P521:
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %d", crv)
	}

	pubKey := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !curve.IsOnCurve(pubKey.X, pubKey.Y) {
		return nil, errors.New("point is not on curve")
	}

	return pubKey, nil
}
