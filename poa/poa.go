// Package poa builds and verifies a Proof of Association: one COSE_Sign
// message over a shared claims payload, signed by every device key used in
// a disclosure. It shows the verifier that the keys are held by one wallet
// without a long-lived key that would link disclosures.
package poa

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/keystore"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

// HeaderLabelDeviceKey carries the COSE_Key of the signing device key in
// the protected header of each signature. It is in the private use range.
const HeaderLabelDeviceKey int64 = -65537

// MinKeys is the smallest number of distinct keys a proof can associate.
const MinKeys = 2

// Claims is the payload every key signs.
type Claims struct {
	Nonce    []byte `cbor:"nonce"`
	Audience string `cbor:"aud"`
	Issuer   string `cbor:"iss,omitempty"`
}

func (c Claims) encode() ([]byte, error) {
	b, err := mdoc.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode claims: %w", err)
	}
	return b, nil
}

// Expectation is what a verifier requires of a proof.
type Expectation struct {
	Nonce    []byte
	Audience string
	// Keys is the exact set of device keys the proof must cover.
	Keys []*ecdsa.PublicKey
}

func checkDistinct(keys []*ecdsa.PublicKey) error {
	for i := range keys {
		if keys[i] == nil {
			return fmt.Errorf("key %d is nil", i)
		}
		for j := 0; j < i; j++ {
			if keys[i].Equal(keys[j]) {
				return fmt.Errorf("%w: keys %d and %d", mdoc.ErrDuplicateKeyInPoa, j, i)
			}
		}
	}
	if len(keys) < MinKeys {
		return fmt.Errorf("%w: got %d", mdoc.ErrTooFewKeysForPoa, len(keys))
	}
	return nil
}

// Build signs claims once with every key through signer. keys must hold at
// least two distinct public keys.
func Build(ctx context.Context, signer keystore.MultiKeySigner, keys []keystore.Key, claims Claims) (*cose.SignMessage, error) {
	pubs := make([]*ecdsa.PublicKey, len(keys))
	ids := make([]keystore.KeyID, len(keys))
	for i, k := range keys {
		pubs[i] = k.PublicKey
		ids[i] = k.ID
	}
	if err := checkDistinct(pubs); err != nil {
		return nil, err
	}
	if len(claims.Nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}

	payload, err := claims.encode()
	if err != nil {
		return nil, err
	}

	msg := cose.NewSignMessage()
	msg.Payload = payload
	for i, pub := range pubs {
		coseKey, err := mdoc.NewCOSEKey(pub)
		if err != nil {
			return nil, fmt.Errorf("failed to encode key %d: %w", i, err)
		}
		sig := cose.NewSignature()
		sig.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
		sig.Headers.Protected[HeaderLabelDeviceKey] = coseKey
		msg.Signatures = append(msg.Signatures, sig)
	}

	if err := keystore.SignMulti(ctx, signer, msg, ids, nil); err != nil {
		return nil, fmt.Errorf("failed to sign proof of association: %w", err)
	}
	return msg, nil
}

// Keys returns the device keys named in the signatures of proof.
func Keys(proof *cose.SignMessage) ([]*ecdsa.PublicKey, error) {
	keys := make([]*ecdsa.PublicKey, 0, len(proof.Signatures))
	for i, sig := range proof.Signatures {
		if sig == nil {
			return nil, fmt.Errorf("signature %d is nil", i)
		}
		raw, ok := sig.Headers.Protected[HeaderLabelDeviceKey]
		if !ok {
			return nil, fmt.Errorf("signature %d has no device key", i)
		}
		coseKey, err := mdoc.COSEKeyFromHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		pub, err := coseKey.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

// Verify checks proof against expect. Every failure wraps
// mdoc.ErrMissingOrInvalidPoa.
func Verify(proof *cose.SignMessage, expect Expectation) error {
	if err := verify(proof, expect); err != nil {
		return fmt.Errorf("%w: %w", mdoc.ErrMissingOrInvalidPoa, err)
	}
	return nil
}

func verify(proof *cose.SignMessage, expect Expectation) error {
	if proof == nil {
		return fmt.Errorf("proof is missing")
	}

	var claims Claims
	if err := mdoc.Unmarshal(proof.Payload, &claims); err != nil {
		return fmt.Errorf("failed to decode claims: %w", err)
	}
	canonical, err := claims.encode()
	if err != nil {
		return err
	}
	if !bytes.Equal(canonical, proof.Payload) {
		return fmt.Errorf("claims are not canonically encoded")
	}

	keys, err := Keys(proof)
	if err != nil {
		return err
	}
	if err := checkDistinct(keys); err != nil {
		return err
	}

	verifiers := make([]cose.Verifier, len(keys))
	for i, key := range keys {
		alg, err := proof.Signatures[i].Headers.Protected.Algorithm()
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		v, err := cose.NewVerifier(alg, key)
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		verifiers[i] = v
	}
	if err := proof.Verify(nil, verifiers...); err != nil {
		return fmt.Errorf("failed to verify signatures: %w", err)
	}

	if len(expect.Nonce) == 0 || !bytes.Equal(claims.Nonce, expect.Nonce) {
		return fmt.Errorf("nonce does not match the session")
	}
	if claims.Audience != expect.Audience {
		return fmt.Errorf("audience %q does not match %q", claims.Audience, expect.Audience)
	}

	if expect.Keys != nil {
		if err := sameKeys(keys, expect.Keys); err != nil {
			return err
		}
	}
	return nil
}

func sameKeys(got, want []*ecdsa.PublicKey) error {
	if len(got) != len(want) {
		return fmt.Errorf("proof covers %d keys, expected %d", len(got), len(want))
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			if g.Equal(w) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("proof does not cover every document key")
		}
	}
	return nil
}
