package verifier

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokukuma/mdoc-disclosure/document"
	"github.com/kokukuma/mdoc-disclosure/holder"
	"github.com/kokukuma/mdoc-disclosure/issuer"
	"github.com/kokukuma/mdoc-disclosure/keystore"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/pkg/pki"
	"github.com/kokukuma/mdoc-disclosure/session_transcript"
)

type wallet struct {
	chain     *pki.IssuerChain
	iss       *issuer.Issuer
	signer    *keystore.Signer
	presenter *holder.Presenter
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	chain, err := pki.GenerateIssuerChain()
	require.NoError(t, err)
	iss, err := issuer.New(chain.SignerKey, chain.Chain())
	require.NoError(t, err)
	signer := keystore.NewSigner(keystore.NewSoftwareStore())
	return &wallet{
		chain:     chain,
		iss:       iss,
		signer:    signer,
		presenter: holder.NewPresenter(signer),
	}
}

func (w *wallet) issue(t *testing.T, docType mdoc.DocType, id keystore.KeyID, attrs issuer.Attributes, validity issuer.Validity) *mdoc.Credential {
	t.Helper()
	ctx := context.Background()
	key, err := w.signer.NewOrExistingKey(ctx, id, nil)
	require.NoError(t, err)
	cred, err := w.iss.Issue(ctx, docType, attrs, key.PublicKey, validity)
	require.NoError(t, err)
	return cred
}

func validNow() issuer.Validity {
	now := time.Now()
	return issuer.Validity{ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(24 * time.Hour)}
}

var aliceAttrs = issuer.Attributes{
	"personal": {
		{Name: "given_name", Value: "Alice"},
		{Name: "age", Value: 33},
	},
}

func params(nonce string) session_transcript.TransportParams {
	return session_transcript.TransportParams{
		Handover:           session_transcript.HandoverOpenID4VP,
		Nonce:              []byte(nonce),
		MdocGeneratedNonce: "aG9sZGVyLW5vbmNl",
		ClientID:           "verifier.example",
		ResponseURI:        "https://verifier.example/response",
	}
}

func newSession(t *testing.T, p session_transcript.TransportParams) Session {
	t.Helper()
	s, err := NewSession(p)
	require.NoError(t, err)
	return s
}

// overWire encodes and decodes resp as a verifier receives it.
func overWire(t *testing.T, resp *mdoc.DeviceResponse) *mdoc.DeviceResponse {
	t.Helper()
	b, err := mdoc.Marshal(resp)
	require.NoError(t, err)
	decoded, err := mdoc.DecodeDeviceResponse(b)
	require.NoError(t, err)
	return decoded
}

func replaceValue(t *testing.T, doc *mdoc.Document, ns mdoc.NameSpace, id mdoc.ElementIdentifier, value mdoc.Value) {
	t.Helper()
	for i, b := range doc.IssuerSigned.NameSpaces[ns] {
		item, err := b.IssuerSignedItem()
		require.NoError(t, err)
		if item.ElementIdentifier != id {
			continue
		}
		item.ElementValue = value
		doc.IssuerSigned.NameSpaces[ns][i], err = mdoc.NewIssuerSignedItemBytes(*item)
		require.NoError(t, err)
		return
	}
	t.Fatalf("element %s/%s not found", ns, id)
}

func givenName(docType mdoc.DocType) *document.ItemsRequest {
	return document.NewItemsRequest(docType, document.AttributePath{NameSpace: "personal", Element: "given_name"})
}

func TestVerify_SelectiveDisclosure(t *testing.T) {
	w := newWallet(t)
	cred := w.issue(t, "X", "k1", aliceAttrs, validNow())
	p := params("nonce-1")

	resp, err := w.presenter.Present(context.Background(), p, []holder.Disclosure{
		{Credential: cred, KeyID: "k1", Request: givenName("X")},
	})
	require.NoError(t, err)

	v := NewVerifier(StaticRoots(w.chain.Pool()))
	disclosed, err := v.Verify(context.Background(), overWire(t, resp), newSession(t, p))
	require.NoError(t, err)

	assert.Equal(t, []mdoc.DocType{"X"}, disclosed.DocTypes)
	assert.Equal(t, Attributes{
		"personal": {"given_name": "Alice"},
	}, disclosed.Documents["X"])
	_, ok := disclosed.Value("X", "personal", "age")
	assert.False(t, ok)
}

func TestVerify_Tampering(t *testing.T) {
	w := newWallet(t)
	x := w.issue(t, "X", "k1", aliceAttrs, validNow())
	y := w.issue(t, "Y", "k2", aliceAttrs, validNow())
	p := params("nonce-1")

	tests := []struct {
		name    string
		mutate  func(t *testing.T, resp *mdoc.DeviceResponse)
		docType mdoc.DocType
		wantErr error
	}{
		{
			name: "value changed",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				replaceValue(t, &resp.Documents[1], "personal", "given_name", mdoc.Text("Bob"))
			},
			docType: "Y",
			wantErr: mdoc.ErrAttributeVerificationFailed,
		},
		{
			name: "item duplicated",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				items := resp.Documents[0].IssuerSigned.NameSpaces["personal"]
				resp.Documents[0].IssuerSigned.NameSpaces["personal"] = append(items, items[0])
			},
			docType: "X",
			wantErr: mdoc.ErrAttributeVerificationFailed,
		},
		{
			name: "doc type relabelled",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				resp.Documents[1].DocType = "Z"
			},
			docType: "Z",
			wantErr: mdoc.ErrAttributeVerificationFailed,
		},
		{
			name: "issuer signature broken",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				resp.Documents[0].IssuerSigned.IssuerAuth.Signature[0] ^= 0xff
			},
			docType: "X",
			wantErr: mdoc.ErrCertificateChainInvalid,
		},
		{
			name: "device signature broken",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				resp.Documents[1].DeviceSigned.DeviceAuth.DeviceSignature.Signature[0] ^= 0xff
			},
			docType: "Y",
			wantErr: mdoc.ErrDeviceAuthenticationFailed,
		},
		{
			name: "device signed element added",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				b, err := mdoc.Marshal(mdoc.DeviceNameSpaces{"personal": {"given_name": mdoc.Text("Bob")}})
				require.NoError(t, err)
				resp.Documents[0].DeviceSigned.NameSpaces = b
			},
			docType: "X",
			wantErr: mdoc.ErrAttributeVerificationFailed,
		},
		{
			name: "device signature removed",
			mutate: func(t *testing.T, resp *mdoc.DeviceResponse) {
				resp.Documents[0].DeviceSigned.DeviceAuth.DeviceSignature = nil
			},
			docType: "X",
			wantErr: mdoc.ErrDeviceAuthenticationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := w.presenter.Present(context.Background(), p, []holder.Disclosure{
				{Credential: x, KeyID: "k1", Request: givenName("X")},
				{Credential: y, KeyID: "k2", Request: givenName("Y")},
			})
			require.NoError(t, err)
			resp = overWire(t, resp)
			tt.mutate(t, resp)

			v := NewVerifier(StaticRoots(w.chain.Pool()))
			disclosed, err := v.Verify(context.Background(), resp, newSession(t, p))
			assert.Nil(t, disclosed)
			assert.ErrorIs(t, err, tt.wantErr)
			docType, ok := mdoc.FailedDocType(err)
			require.True(t, ok)
			assert.Equal(t, tt.docType, docType)
			assert.Equal(t, mdoc.CategoryOf(tt.wantErr), mdoc.CategoryOf(err))
		})
	}
}

func TestVerify_SessionBinding(t *testing.T) {
	w := newWallet(t)
	cred := w.issue(t, "X", "k1", aliceAttrs, validNow())

	resp, err := w.presenter.Present(context.Background(), params("nonce-1"), []holder.Disclosure{
		{Credential: cred, KeyID: "k1", Request: givenName("X")},
	})
	require.NoError(t, err)
	v := NewVerifier(StaticRoots(w.chain.Pool()))

	other := params("nonce-1")
	other.ResponseURI = "https://attacker.example/response"

	tests := []struct {
		name    string
		session session_transcript.TransportParams
		wantErr error
	}{
		{name: "same session", session: params("nonce-1")},
		{name: "replayed with other nonce", session: params("nonce-2"), wantErr: mdoc.ErrDeviceAuthenticationFailed},
		{name: "other response uri", session: other, wantErr: mdoc.ErrDeviceAuthenticationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), overWire(t, resp), newSession(t, tt.session))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, mdoc.CategorySession, mdoc.CategoryOf(err))
		})
	}
}

func TestVerify_ProofOfAssociation(t *testing.T) {
	w := newWallet(t)
	x := w.issue(t, "X", "k1", aliceAttrs, validNow())
	y := w.issue(t, "Y", "k2", aliceAttrs, validNow())
	xSameKey := w.issue(t, "X2", "k1", aliceAttrs, validNow())
	p := params("nonce-1")
	v := NewVerifier(StaticRoots(w.chain.Pool()))

	twoKeys := []holder.Disclosure{
		{Credential: x, KeyID: "k1", Request: givenName("X")},
		{Credential: y, KeyID: "k2", Request: givenName("Y")},
	}

	tests := []struct {
		name        string
		disclosures []holder.Disclosure
		session     Session
		mutate      func(resp *mdoc.DeviceResponse)
		wantErr     error
	}{
		{
			name:        "two keys",
			disclosures: twoKeys,
			session:     newSession(t, p),
		},
		{
			name: "two documents one key need no proof",
			disclosures: []holder.Disclosure{
				{Credential: x, KeyID: "k1", Request: givenName("X")},
				{Credential: xSameKey, KeyID: "k1", Request: givenName("X2")},
			},
			session: newSession(t, p),
		},
		{
			name:        "one signature removed",
			disclosures: twoKeys,
			session:     newSession(t, p),
			mutate: func(resp *mdoc.DeviceResponse) {
				resp.ProofOfAssociation.Signatures = resp.ProofOfAssociation.Signatures[:1]
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name:        "proof removed",
			disclosures: twoKeys,
			session:     newSession(t, p),
			mutate: func(resp *mdoc.DeviceResponse) {
				resp.ProofOfAssociation = nil
			},
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
		{
			name:        "other audience",
			disclosures: twoKeys,
			session: func() Session {
				s := newSession(t, p)
				s.Audience = "other.example"
				return s
			}(),
			wantErr: mdoc.ErrMissingOrInvalidPoa,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := w.presenter.Present(context.Background(), p, tt.disclosures)
			require.NoError(t, err)
			resp = overWire(t, resp)
			if tt.mutate != nil {
				tt.mutate(resp)
			}

			disclosed, err := v.Verify(context.Background(), resp, tt.session)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, disclosed)
				return
			}
			require.NoError(t, err)
			assert.Len(t, disclosed.Documents, len(tt.disclosures))
		})
	}
}

func TestVerify_Validity(t *testing.T) {
	w := newWallet(t)
	now := time.Now()
	current := w.issue(t, "X", "k1", aliceAttrs, validNow())
	future := w.issue(t, "F", "k1", aliceAttrs, issuer.Validity{
		ValidFrom:  now.Add(time.Hour),
		ValidUntil: now.Add(48 * time.Hour),
	})
	p := params("nonce-1")

	tests := []struct {
		name    string
		cred    *mdoc.Credential
		opts    []VerifierOption
		wantErr error
	}{
		{name: "valid", cred: current},
		{name: "expired", cred: current, opts: []VerifierOption{WithCurrentTime(now.Add(48 * time.Hour))}, wantErr: mdoc.ErrExpiredMetadata},
		{name: "not yet valid", cred: future, wantErr: mdoc.ErrExpiredMetadata},
		{name: "not yet valid allowed", cred: future, opts: []VerifierOption{AllowNotYetValid()}},
		{name: "expired even when not yet valid is allowed", cred: future, opts: []VerifierOption{AllowNotYetValid(), WithCurrentTime(now.Add(72 * time.Hour))}, wantErr: mdoc.ErrExpiredMetadata},
		{name: "certificate not valid yet", cred: current, opts: []VerifierOption{WithCurrentTime(now.Add(-48 * time.Hour))}, wantErr: mdoc.ErrCertificateChainInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := w.presenter.Present(context.Background(), p, []holder.Disclosure{
				{Credential: tt.cred, KeyID: "k1", Request: givenName(tt.cred.DocType)},
			})
			require.NoError(t, err)

			v := NewVerifier(StaticRoots(w.chain.Pool()), tt.opts...)
			_, err = v.Verify(context.Background(), overWire(t, resp), newSession(t, p))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, mdoc.CategoryTrust, mdoc.CategoryOf(err))
		})
	}
}

func TestVerify_UntrustedIssuer(t *testing.T) {
	w := newWallet(t)
	cred := w.issue(t, "X", "k1", aliceAttrs, validNow())
	p := params("nonce-1")
	resp, err := w.presenter.Present(context.Background(), p, []holder.Disclosure{
		{Credential: cred, KeyID: "k1", Request: givenName("X")},
	})
	require.NoError(t, err)

	other, err := pki.GenerateIssuerChain()
	require.NoError(t, err)
	v := NewVerifier(StaticRoots(other.Pool()))
	_, err = v.Verify(context.Background(), resp, newSession(t, p))
	assert.ErrorIs(t, err, mdoc.ErrCertificateChainInvalid)

	_, err = NewVerifier(StaticRoots(nil)).Verify(context.Background(), resp, newSession(t, p))
	assert.Error(t, err)
}

func TestVerify_DeviceMac(t *testing.T) {
	w := newWallet(t)
	devicePriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	cred, err := w.iss.Issue(context.Background(), "X", aliceAttrs, &devicePriv.PublicKey, validNow())
	require.NoError(t, err)
	reduced, err := holder.FilterForDisclosure(cred, givenName("X"))
	require.NoError(t, err)

	p := params("nonce-1")
	p.Handover = session_transcript.HandoverBrowser
	p.Origin = "https://verifier.example"
	p.ReaderPublicKey = readerKey.PublicKey()
	session := newSession(t, p)

	deviceAuthentication, err := mdoc.DeviceAuthenticationBytes(session.Transcript, "X", mdoc.EmptyDeviceNameSpaces())
	require.NoError(t, err)
	deviceECDH, err := devicePriv.ECDH()
	require.NoError(t, err)
	eMacKey, err := mdoc.DeriveEMacKey(deviceECDH, readerKey.PublicKey(), session.Transcript)
	require.NoError(t, err)
	mac, err := mdoc.NewDeviceMac(eMacKey, deviceAuthentication)
	require.NoError(t, err)

	resp := &mdoc.DeviceResponse{
		Version: holder.ResponseVersion,
		Documents: []mdoc.Document{{
			DocType:      "X",
			IssuerSigned: reduced.IssuerSigned,
			DeviceSigned: mdoc.DeviceSigned{
				NameSpaces: mdoc.EmptyDeviceNameSpaces(),
				DeviceAuth: mdoc.DeviceAuth{DeviceMac: mac},
			},
		}},
	}

	t.Run("with reader key", func(t *testing.T) {
		v := NewVerifier(StaticRoots(w.chain.Pool()), WithReaderKey(readerKey))
		disclosed, err := v.Verify(context.Background(), overWire(t, resp), session)
		require.NoError(t, err)
		got, ok := disclosed.Value("X", "personal", "given_name")
		require.True(t, ok)
		assert.Equal(t, "Alice", got)
	})

	t.Run("without reader key", func(t *testing.T) {
		v := NewVerifier(StaticRoots(w.chain.Pool()))
		_, err := v.Verify(context.Background(), overWire(t, resp), session)
		assert.ErrorIs(t, err, mdoc.ErrDeviceAuthenticationFailed)
	})

	t.Run("other reader key", func(t *testing.T) {
		otherKey, err := ecdh.P256().GenerateKey(rand.Reader)
		require.NoError(t, err)
		v := NewVerifier(StaticRoots(w.chain.Pool()), WithReaderKey(otherKey))
		_, err = v.Verify(context.Background(), overWire(t, resp), session)
		assert.ErrorIs(t, err, mdoc.ErrDeviceAuthenticationFailed)
	})
}

func TestCheckMSO(t *testing.T) {
	tests := []struct {
		name    string
		mso     mdoc.MobileSecurityObject
		wantErr bool
	}{
		{name: "current", mso: mdoc.MobileSecurityObject{Version: mdoc.MSOVersion, DocType: "X"}},
		{name: "unknown version", mso: mdoc.MobileSecurityObject{Version: "1.1", DocType: "X"}, wantErr: true},
		{name: "missing version", mso: mdoc.MobileSecurityObject{DocType: "X"}, wantErr: true},
		{name: "other doc type", mso: mdoc.MobileSecurityObject{Version: mdoc.MSOVersion, DocType: "Y"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkMSO(&tt.mso, "X")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerify_MalformedResponse(t *testing.T) {
	w := newWallet(t)
	v := NewVerifier(StaticRoots(w.chain.Pool()))
	session := newSession(t, params("nonce-1"))

	tests := []struct {
		name string
		resp *mdoc.DeviceResponse
	}{
		{name: "nil", resp: nil},
		{name: "no documents", resp: &mdoc.DeviceResponse{Version: "1.0"}},
		{name: "unknown version", resp: &mdoc.DeviceResponse{Version: "2.0", Documents: []mdoc.Document{{DocType: "X"}}}},
		{name: "missing version", resp: &mdoc.DeviceResponse{Documents: []mdoc.Document{{DocType: "X"}}}},
		{name: "error status", resp: &mdoc.DeviceResponse{Version: "1.0", Status: 10, Documents: []mdoc.Document{{DocType: "X"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.resp, session)
			assert.Error(t, err)
		})
	}
}

func TestDisclosed_Decode(t *testing.T) {
	w := newWallet(t)
	cred := w.issue(t, "X", "k1", aliceAttrs, validNow())
	p := params("nonce-1")
	resp, err := w.presenter.Present(context.Background(), p, []holder.Disclosure{
		{Credential: cred, KeyID: "k1", Request: document.NewItemsRequest("X",
			document.AttributePath{NameSpace: "personal", Element: document.WholeNameSpace})},
	})
	require.NoError(t, err)

	disclosed, err := NewVerifier(StaticRoots(w.chain.Pool())).Verify(context.Background(), overWire(t, resp), newSession(t, p))
	require.NoError(t, err)

	var person struct {
		GivenName string `mdoc:"given_name"`
		Age       int64  `mdoc:"age"`
	}
	require.NoError(t, disclosed.Decode("X", "personal", &person))
	assert.Equal(t, "Alice", person.GivenName)
	assert.Equal(t, int64(33), person.Age)

	assert.Error(t, disclosed.Decode("X", "address", &person))
}
