package poa

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/keystore"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

func newKeys(t *testing.T, n int) (*keystore.Signer, []keystore.Key) {
	t.Helper()
	store := keystore.NewSoftwareStore()
	keys := make([]keystore.Key, n)
	for i := range keys {
		key, err := store.Create(context.Background(), "")
		require.NoError(t, err)
		keys[i] = *key
	}
	return keystore.NewSigner(store), keys
}

func pubs(keys []keystore.Key) []*ecdsa.PublicKey {
	out := make([]*ecdsa.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = k.PublicKey
	}
	return out
}

var testClaims = Claims{Nonce: []byte("session-nonce"), Audience: "https://verifier.example"}

func TestBuild_KeyCount(t *testing.T) {
	signer, keys := newKeys(t, 3)

	tests := []struct {
		name    string
		keys    []keystore.Key
		wantErr error
	}{
		{name: "no keys", keys: nil, wantErr: mdoc.ErrTooFewKeysForPoa},
		{name: "one key", keys: keys[:1], wantErr: mdoc.ErrTooFewKeysForPoa},
		{name: "same key twice", keys: []keystore.Key{keys[0], keys[0]}, wantErr: mdoc.ErrDuplicateKeyInPoa},
		{name: "same public key under two ids", keys: []keystore.Key{keys[0], {ID: keys[1].ID, PublicKey: keys[0].PublicKey}}, wantErr: mdoc.ErrDuplicateKeyInPoa},
		{name: "two keys", keys: keys[:2]},
		{name: "three keys", keys: keys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof, err := Build(context.Background(), signer, tt.keys, testClaims)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, proof)
				return
			}
			require.NoError(t, err)
			require.Len(t, proof.Signatures, len(tt.keys))
			assert.NoError(t, Verify(proof, Expectation{
				Nonce:    testClaims.Nonce,
				Audience: testClaims.Audience,
				Keys:     pubs(tt.keys),
			}))
		})
	}
}

func TestBuild_RequiresNonce(t *testing.T) {
	signer, keys := newKeys(t, 2)
	_, err := Build(context.Background(), signer, keys, Claims{Audience: "a"})
	assert.Error(t, err)
}

func TestBuild_SigningFailure(t *testing.T) {
	signer, keys := newKeys(t, 2)
	keys[1].ID = "revoked"
	_, err := Build(context.Background(), signer, keys, testClaims)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func roundTrip(t *testing.T, proof *cose.SignMessage) *cose.SignMessage {
	t.Helper()
	b, err := proof.MarshalCBOR()
	require.NoError(t, err)
	var decoded cose.SignMessage
	require.NoError(t, decoded.UnmarshalCBOR(b))
	return &decoded
}

func TestVerify(t *testing.T) {
	signer, keys := newKeys(t, 3)
	expect := Expectation{
		Nonce:    testClaims.Nonce,
		Audience: testClaims.Audience,
		Keys:     pubs(keys[:2]),
	}

	tests := []struct {
		name    string
		mutate  func(p *cose.SignMessage, e *Expectation)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(p *cose.SignMessage, e *Expectation) {},
		},
		{
			name:    "missing proof",
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name: "one signature removed",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				p.Signatures = p.Signatures[:1]
			},
			wantErr: mdoc.ErrTooFewKeysForPoa,
		},
		{
			name: "signature duplicated",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				p.Signatures = []*cose.Signature{p.Signatures[0], p.Signatures[0]}
			},
			wantErr: mdoc.ErrDuplicateKeyInPoa,
		},
		{
			name: "signature swapped between keys",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				p.Signatures[0].Signature, p.Signatures[1].Signature = p.Signatures[1].Signature, p.Signatures[0].Signature
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name: "other nonce",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				e.Nonce = []byte("replayed")
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name: "other audience",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				e.Audience = "https://attacker.example"
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name: "key set differs from documents",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				e.Keys = pubs([]keystore.Key{keys[0], keys[2]})
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name: "payload not canonical",
			mutate: func(p *cose.SignMessage, e *Expectation) {
				b, err := cbor.Marshal(map[string]interface{}{
					"nonce": testClaims.Nonce,
					"aud":   testClaims.Audience,
					"extra": 1,
				})
				require.NoError(t, err)
				p.Payload = b
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof, err := Build(context.Background(), signer, keys[:2], testClaims)
			require.NoError(t, err)
			proof = roundTrip(t, proof)

			e := expect
			if tt.mutate == nil {
				proof = nil
			} else {
				tt.mutate(proof, &e)
			}

			err = Verify(proof, e)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, mdoc.ErrMissingOrInvalidPoa)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestKeys(t *testing.T) {
	signer, keys := newKeys(t, 2)
	proof, err := Build(context.Background(), signer, keys, testClaims)
	require.NoError(t, err)

	got, err := Keys(roundTrip(t, proof))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(keys[0].PublicKey))
	assert.True(t, got[1].Equal(keys[1].PublicKey))
}
