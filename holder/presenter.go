package holder

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/document"
	"github.com/kokukuma/mdoc-disclosure/keystore"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/poa"
	"github.com/kokukuma/mdoc-disclosure/session_transcript"
)

// Disclosure is one credential to present, the key it is bound to and the
// items the verifier asked for.
type Disclosure struct {
	Credential *mdoc.Credential
	KeyID      keystore.KeyID
	Request    *document.ItemsRequest
}

type PresenterOption func(*Presenter)

func WithLogger(log *logrus.Entry) PresenterOption {
	return func(p *Presenter) {
		p.log = log
	}
}

// WithHolderIdentifier sets the optional "iss" claim of proofs of association.
func WithHolderIdentifier(id string) PresenterOption {
	return func(p *Presenter) {
		p.holderID = id
	}
}

// Presenter runs a whole disclosure: filter, challenge, sign, associate and
// assemble. It keeps no state between calls.
type Presenter struct {
	signer   keystore.MultiKeySigner
	holderID string
	log      *logrus.Entry
}

func NewPresenter(signer keystore.MultiKeySigner, opts ...PresenterOption) *Presenter {
	p := &Presenter{
		signer: signer,
		log:    logrus.NewEntry(logrus.StandardLogger()).WithField("component", "holder"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Present builds a DeviceResponse for one session. Nothing computed here
// outlives the call: a retry must start again from fresh params.
func (p *Presenter) Present(ctx context.Context, params session_transcript.TransportParams, disclosures []Disclosure) (*mdoc.DeviceResponse, error) {
	if len(disclosures) == 0 {
		return nil, fmt.Errorf("nothing to disclose")
	}

	reduced := make([]*mdoc.Credential, len(disclosures))
	docTypes := make([]mdoc.DocType, len(disclosures))
	keys := make([]keystore.Key, len(disclosures))
	for i, d := range disclosures {
		if d.Credential == nil {
			return nil, fmt.Errorf("disclosure %d has no credential", i)
		}
		cred, err := FilterForDisclosure(d.Credential, d.Request)
		if err != nil {
			return nil, &mdoc.DocumentError{DocType: d.Credential.DocType, Err: err}
		}
		mso, err := cred.MobileSecurityObject()
		if err != nil {
			return nil, err
		}
		deviceKey, err := mso.DeviceKey()
		if err != nil {
			return nil, err
		}
		key, err := p.signer.NewOrExistingKey(ctx, d.KeyID, deviceKey)
		if err != nil {
			return nil, &mdoc.DocumentError{DocType: cred.DocType, Err: err}
		}
		reduced[i] = cred
		docTypes[i] = cred.DocType
		keys[i] = *key
	}

	_, challenges, err := session_transcript.BuildChallenge(params, docTypes)
	if err != nil {
		return nil, fmt.Errorf("failed to build challenge: %w", err)
	}

	msgs := make([]*cose.Sign1Message, len(challenges))
	ids := make([]keystore.KeyID, len(challenges))
	for i, c := range challenges {
		msg := cose.NewSign1Message()
		msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
		msg.Payload = c.DeviceAuthentication
		msgs[i] = msg
		ids[i] = keys[i].ID
	}
	if err := keystore.SignSign1(ctx, p.signer, msgs, ids, nil); err != nil {
		return nil, fmt.Errorf("failed to sign device authentication: %w", err)
	}

	var proof *cose.SignMessage
	if distinct := distinctKeys(keys); len(distinct) >= poa.MinKeys {
		proof, err = poa.Build(ctx, p.signer, distinct, poa.Claims{
			Nonce:    params.Nonce,
			Audience: params.Audience(),
			Issuer:   p.holderID,
		})
		if err != nil {
			return nil, err
		}
		p.log.WithField("keys", len(distinct)).Debug("built proof of association")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return AssembleResponse(reduced, msgs, proof)
}

func distinctKeys(keys []keystore.Key) []keystore.Key {
	var out []keystore.Key
	for _, k := range keys {
		dup := false
		for _, o := range out {
			if o.PublicKey.Equal(k.PublicKey) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}
