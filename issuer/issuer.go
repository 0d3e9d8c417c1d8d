package issuer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

// Issuer signs mobile security objects with a document signer key.
type Issuer struct {
	key   *ecdsa.PrivateKey
	chain []*x509.Certificate
	opts  options
}

// New returns an Issuer for key. chain is the document signer certificate
// chain, leaf first; the leaf must certify key.
func New(key *ecdsa.PrivateKey, chain []*x509.Certificate, opts ...Option) (*Issuer, error) {
	if key == nil {
		return nil, fmt.Errorf("document signer key is nil")
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("document signer certificate chain is empty")
	}
	leafKey, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || !leafKey.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("document signer certificate does not match the signing key")
	}
	return &Issuer{
		key:   key,
		chain: chain,
		opts:  newOptions(opts),
	}, nil
}

// Validity is the validity window written into the MSO.
type Validity struct {
	ValidFrom      time.Time
	ValidUntil     time.Time
	ExpectedUpdate *time.Time
}

// Issue commits attrs, binds them to deviceKey and signs the MSO.
func (i *Issuer) Issue(ctx context.Context, docType mdoc.DocType, attrs Attributes, deviceKey *ecdsa.PublicKey, validity Validity) (*mdoc.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	signed := i.opts.now().UTC().Truncate(time.Second)
	info := mdoc.ValidityInfo{
		Signed:     signed,
		ValidFrom:  validity.ValidFrom.UTC().Truncate(time.Second),
		ValidUntil: validity.ValidUntil.UTC().Truncate(time.Second),
	}
	if validity.ExpectedUpdate != nil {
		t := validity.ExpectedUpdate.UTC().Truncate(time.Second)
		info.ExpectedUpdate = &t
	}
	if !info.ValidUntil.After(info.ValidFrom) {
		return nil, fmt.Errorf("validUntil %s is not after validFrom %s", info.ValidUntil, info.ValidFrom)
	}
	leaf := i.chain[0]
	if signed.Before(leaf.NotBefore) || signed.After(leaf.NotAfter) {
		return nil, fmt.Errorf("signing time %s is outside the document signer certificate validity", signed)
	}

	commitments, err := buildCommitments(docType, attrs, i.opts)
	if err != nil {
		return nil, err
	}

	coseKey, err := mdoc.NewCOSEKey(deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device key: %w", err)
	}

	mso := &mdoc.MobileSecurityObject{
		Version:         mdoc.MSOVersion,
		DigestAlgorithm: commitments.DigestAlgorithm,
		ValueDigests:    commitments.ValueDigests,
		DeviceKeyInfo:   mdoc.DeviceKeyInfo{DeviceKey: coseKey},
		DocType:         docType,
		ValidityInfo:    info,
	}
	payload, err := mso.Payload()
	if err != nil {
		return nil, err
	}

	issuerAuth, err := i.sign(payload)
	if err != nil {
		return nil, err
	}

	i.opts.log.WithField("docType", docType).Debug("issued credential")
	return &mdoc.Credential{
		DocType: docType,
		IssuerSigned: mdoc.IssuerSigned{
			NameSpaces: commitments.NameSpaces,
			IssuerAuth: *issuerAuth,
		},
	}, nil
}

func (i *Issuer) sign(payload []byte) (*cose.UntaggedSign1Message, error) {
	var x5chain interface{}
	if len(i.chain) == 1 {
		x5chain = i.chain[0].Raw
	} else {
		raw := make([][]byte, 0, len(i.chain))
		for _, cert := range i.chain {
			raw = append(raw, cert.Raw)
		}
		x5chain = raw
	}

	msg := &cose.UntaggedSign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
			Unprotected: cose.UnprotectedHeader{
				cose.HeaderLabelX5Chain: x5chain,
			},
		},
		Payload: payload,
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign mobile security object: %w", err)
	}
	return msg, nil
}
