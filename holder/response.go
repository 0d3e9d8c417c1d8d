package holder

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

// ResponseVersion is the DeviceResponse version written by AssembleResponse.
const ResponseVersion = mdoc.DeviceResponseVersion

// AssembleResponse zips reduced credentials with their device signatures by
// position. poa is required when the documents are bound to two or more
// distinct device keys and ignored otherwise.
func AssembleResponse(creds []*mdoc.Credential, signatures []*cose.Sign1Message, poa *cose.SignMessage) (*mdoc.DeviceResponse, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials to disclose")
	}
	if len(creds) != len(signatures) {
		return nil, fmt.Errorf("got %d signatures for %d credentials", len(signatures), len(creds))
	}

	resp := &mdoc.DeviceResponse{
		Version: ResponseVersion,
		Status:  0,
	}
	var keys []*ecdsa.PublicKey
	for i, cred := range creds {
		if signatures[i] == nil || len(signatures[i].Signature) == 0 {
			return nil, fmt.Errorf("credential %d is not signed", i)
		}
		mso, err := cred.MobileSecurityObject()
		if err != nil {
			return nil, err
		}
		key, err := mso.DeviceKey()
		if err != nil {
			return nil, err
		}
		keys = appendDistinct(keys, key)

		// The signed payload is detached; the verifier rebuilds it.
		sig := *signatures[i]
		sig.Payload = nil
		deviceSignature := cose.UntaggedSign1Message(sig)

		resp.Documents = append(resp.Documents, mdoc.Document{
			DocType:      cred.DocType,
			IssuerSigned: cred.IssuerSigned,
			DeviceSigned: mdoc.DeviceSigned{
				NameSpaces: mdoc.EmptyDeviceNameSpaces(),
				DeviceAuth: mdoc.DeviceAuth{DeviceSignature: &deviceSignature},
			},
		})
	}

	if len(keys) > 1 {
		if poa == nil {
			return nil, fmt.Errorf("%w: %d device keys need a proof of association", mdoc.ErrMissingOrInvalidPoa, len(keys))
		}
		resp.ProofOfAssociation = poa
	}
	return resp, nil
}

func appendDistinct(keys []*ecdsa.PublicKey, key *ecdsa.PublicKey) []*ecdsa.PublicKey {
	for _, k := range keys {
		if k.Equal(key) {
			return keys
		}
	}
	return append(keys, key)
}
