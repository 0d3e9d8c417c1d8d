// Package verifier checks a DeviceResponse: the issuer certificate chain and
// signature, every disclosed digest, device authentication against the
// verifier's own session transcript and, when several device keys are used,
// the proof of association.
package verifier

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
	"github.com/kokukuma/mdoc-disclosure/poa"
)

type Verifier struct {
	anchors          TrustAnchors
	allowNotYetValid bool
	readerKey        *ecdh.PrivateKey
	now              func() time.Time
	log              *logrus.Entry
}

func NewVerifier(anchors TrustAnchors, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		anchors: anchors,
		now:     time.Now,
		log:     logrus.NewEntry(logrus.StandardLogger()).WithField("component", "verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks every document of resp against session and returns the
// disclosed attributes. Any failure rejects the whole response; failures
// found in a document are a *mdoc.DocumentError.
func (v *Verifier) Verify(ctx context.Context, resp *mdoc.DeviceResponse, session Session) (*Disclosed, error) {
	if resp == nil {
		return nil, fmt.Errorf("device response is nil")
	}
	if resp.Version != mdoc.DeviceResponseVersion {
		return nil, fmt.Errorf("unsupported device response version %q", resp.Version)
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("device response status is %d", resp.Status)
	}
	if len(resp.Documents) == 0 {
		return nil, fmt.Errorf("device response contains no documents")
	}
	if len(session.Transcript) == 0 {
		return nil, fmt.Errorf("session transcript is empty")
	}

	roots, err := v.anchors.Roots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get trust anchors: %w", err)
	}
	now := v.now()

	disclosed := &Disclosed{Documents: make(map[mdoc.DocType]Attributes, len(resp.Documents))}
	var deviceKeys []*ecdsa.PublicKey
	for i := range resp.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := &resp.Documents[i]
		if _, ok := disclosed.Documents[doc.DocType]; ok {
			return nil, fmt.Errorf("document %s is disclosed twice", doc.DocType)
		}

		attrs, deviceKey, err := v.verifyDocument(doc, session.Transcript, roots, now)
		if err != nil {
			v.log.WithError(err).WithField("docType", doc.DocType).Debug("document rejected")
			return nil, &mdoc.DocumentError{DocType: doc.DocType, Err: err}
		}
		disclosed.Documents[doc.DocType] = attrs
		disclosed.DocTypes = append(disclosed.DocTypes, doc.DocType)
		deviceKeys = appendDistinct(deviceKeys, deviceKey)
	}

	if len(deviceKeys) >= poa.MinKeys {
		if err := poa.Verify(resp.ProofOfAssociation, poa.Expectation{
			Nonce:    session.Nonce,
			Audience: session.Audience,
			Keys:     deviceKeys,
		}); err != nil {
			return nil, err
		}
		v.log.WithField("keys", len(deviceKeys)).Debug("proof of association verified")
	}
	return disclosed, nil
}

func (v *Verifier) verifyDocument(doc *mdoc.Document, transcript []byte, roots *x509.CertPool, now time.Time) (Attributes, *ecdsa.PublicKey, error) {
	// 9.3.1 step 1 and 2: certificate chain and IssuerAuth signature.
	leaf, err := verifyIssuerAuth(&doc.IssuerSigned, roots, now)
	if err != nil {
		return nil, nil, err
	}

	mso, err := doc.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mdoc.ErrAttributeVerificationFailed, err)
	}

	// step 4: the MSO is for this document.
	if err := checkMSO(mso, doc.DocType); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mdoc.ErrAttributeVerificationFailed, err)
	}

	// step 5: validity.
	if err := v.validateValidity(mso.ValidityInfo, leaf, now); err != nil {
		return nil, nil, err
	}

	// step 3: digests.
	if !hash.Supported(mso.DigestAlgorithm) {
		return nil, nil, fmt.Errorf("%w: %s", mdoc.ErrUnsupportedDigestAlgorithm, mso.DigestAlgorithm)
	}
	attrs, err := verifyDigests(doc.IssuerSigned, mso)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mdoc.ErrAttributeVerificationFailed, err)
	}

	// device signed elements are not accepted; only issuer signed values are disclosed.
	deviceNameSpaces, err := doc.DeviceSigned.DeviceNameSpaces()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mdoc.ErrDeviceAuthenticationFailed, err)
	}
	if len(deviceNameSpaces) > 0 {
		return nil, nil, fmt.Errorf("%w: device signed elements are not accepted", mdoc.ErrAttributeVerificationFailed)
	}

	// 9.1.3 mdoc authentication.
	deviceKey, err := mso.DeviceKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mdoc.ErrDeviceAuthenticationFailed, err)
	}
	if err := v.verifyDeviceAuth(doc, deviceKey, transcript); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", mdoc.ErrDeviceAuthenticationFailed, err)
	}
	return attrs, deviceKey, nil
}

func checkMSO(mso *mdoc.MobileSecurityObject, docType mdoc.DocType) error {
	if mso.Version != mdoc.MSOVersion {
		return fmt.Errorf("unsupported MSO version %q", mso.Version)
	}
	if mso.DocType != docType {
		return fmt.Errorf("docType %s does not match MSO docType %s", docType, mso.DocType)
	}
	return nil
}

func verifyIssuerAuth(issuerSigned *mdoc.IssuerSigned, roots *x509.CertPool, now time.Time) (*x509.Certificate, error) {
	certs, err := issuerSigned.DocumentSigningCertificateChain()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mdoc.ErrCertificateChainInvalid, err)
	}
	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   now,
	}
	if _, err := leaf.Verify(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", mdoc.ErrCertificateChainInvalid, err)
	}

	alg, err := issuerSigned.Alg()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mdoc.ErrCertificateChainInvalid, err)
	}
	documentSigningKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected public key type: %T", mdoc.ErrCertificateChainInvalid, leaf.PublicKey)
	}
	verifier, err := cose.NewVerifier(alg, documentSigningKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mdoc.ErrCertificateChainInvalid, err)
	}
	if err := issuerSigned.IssuerAuth.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: issuer signature: %v", mdoc.ErrCertificateChainInvalid, err)
	}
	return leaf, nil
}

// validateValidity checks that the signed date is within the validity of
// the document signer certificate and that now is inside the MSO window.
func (v *Verifier) validateValidity(info mdoc.ValidityInfo, leaf *x509.Certificate, now time.Time) error {
	if info.Signed.Before(leaf.NotBefore) || info.Signed.After(leaf.NotAfter) {
		return fmt.Errorf("%w: signed %s is outside certificate validity %s - %s", mdoc.ErrCertificateChainInvalid, info.Signed, leaf.NotBefore, leaf.NotAfter)
	}
	if now.Before(info.ValidFrom) && !v.allowNotYetValid {
		return fmt.Errorf("%w: not valid before %s", mdoc.ErrExpiredMetadata, info.ValidFrom)
	}
	if now.After(info.ValidUntil) {
		return fmt.Errorf("%w: expired at %s", mdoc.ErrExpiredMetadata, info.ValidUntil)
	}
	return nil
}

func verifyDigests(issuerSigned mdoc.IssuerSigned, mso *mdoc.MobileSecurityObject) (Attributes, error) {
	attrs := make(Attributes, len(issuerSigned.NameSpaces))
	for ns, itemBytes := range issuerSigned.NameSpaces {
		digestIDs, ok := mso.ValueDigests[ns]
		if !ok {
			return nil, fmt.Errorf("no value digests for namespace %s", ns)
		}

		values := make(map[mdoc.ElementIdentifier]interface{}, len(itemBytes))
		seen := map[mdoc.DigestID]bool{}
		for _, b := range itemBytes {
			item, err := b.IssuerSignedItem()
			if err != nil {
				return nil, err
			}
			if seen[item.DigestID] {
				return nil, fmt.Errorf("digestID %d is disclosed twice in %s", item.DigestID, ns)
			}
			seen[item.DigestID] = true
			if _, ok := values[item.ElementIdentifier]; ok {
				return nil, fmt.Errorf("element %s is disclosed twice in %s", item.ElementIdentifier, ns)
			}

			digest, ok := digestIDs[item.DigestID]
			if !ok {
				return nil, fmt.Errorf("no digest for %s digestID %d", ns, item.DigestID)
			}
			calc, err := b.Digest(mso.DigestAlgorithm)
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(digest, calc) {
				return nil, fmt.Errorf("digest unmatched: %s/%s digestID %d", ns, item.ElementIdentifier, item.DigestID)
			}
			values[item.ElementIdentifier] = item.ElementValue.Interface()
		}
		attrs[ns] = values
	}
	return attrs, nil
}

func (v *Verifier) verifyDeviceAuth(doc *mdoc.Document, deviceKey *ecdsa.PublicKey, transcript []byte) error {
	deviceAuthentication, err := doc.DeviceSigned.DeviceAuthenticationBytes(doc.DocType, transcript)
	if err != nil {
		return err
	}

	auth := doc.DeviceSigned.DeviceAuth
	switch {
	case auth.DeviceSignature != nil:
		alg, err := doc.DeviceSigned.Alg()
		if err != nil {
			return err
		}
		verifier, err := cose.NewVerifier(alg, deviceKey)
		if err != nil {
			return err
		}
		// the payload is detached; verify a copy with it re-attached.
		sig := *auth.DeviceSignature
		sig.Payload = deviceAuthentication
		return sig.Verify(nil, verifier)

	case auth.DeviceMac != nil:
		if v.readerKey == nil {
			return fmt.Errorf("device mac requires a reader key")
		}
		devicePub, err := deviceKey.ECDH()
		if err != nil {
			return err
		}
		eMacKey, err := mdoc.DeriveEMacKey(v.readerKey, devicePub, transcript)
		if err != nil {
			return err
		}
		return auth.DeviceMac.Verify(eMacKey, deviceAuthentication)
	}
	return fmt.Errorf("document carries neither device signature nor device mac")
}

func appendDistinct(keys []*ecdsa.PublicKey, key *ecdsa.PublicKey) []*ecdsa.PublicKey {
	for _, k := range keys {
		if k.Equal(key) {
			return keys
		}
	}
	return append(keys, key)
}
