package session_transcript

import (
	"crypto/ecdh"
	"fmt"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

type Handover string

const (
	HandoverOpenID4VP Handover = "openid4vp"
	HandoverBrowser   Handover = "browser"
	HandoverAndroid   Handover = "android"
	HandoverApple     Handover = "apple"
)

// TransportParams are the inputs both parties feed into the transcript.
// Which fields are required depends on Handover.
type TransportParams struct {
	Handover Handover

	// Nonce is the verifier chosen nonce.
	Nonce []byte
	// MdocGeneratedNonce is the holder chosen transport nonce, base64url
	// without padding (the OpenID4VP "apu").
	MdocGeneratedNonce string

	ClientID    string
	ResponseURI string

	Origin      string
	PackageName string
	MerchantID  string
	TeamID      string

	// ReaderPublicKey is the verifier's ephemeral key. Its SHA-256 hash is
	// the requesterIdHash of the browser, android and apple handovers.
	ReaderPublicKey *ecdh.PublicKey
}

func (p TransportParams) requesterIdHash() ([]byte, error) {
	if p.ReaderPublicKey == nil {
		return nil, fmt.Errorf("reader public key is required for %s handover", p.Handover)
	}
	return sha256Sum(p.ReaderPublicKey.Bytes()), nil
}

// Audience identifies the verifier of the session: the client identifier,
// web origin, package name or merchant identifier depending on the handover.
func (p TransportParams) Audience() string {
	switch p.Handover {
	case HandoverOpenID4VP:
		return p.ClientID
	case HandoverBrowser:
		return p.Origin
	case HandoverAndroid:
		return p.PackageName
	case HandoverApple:
		return p.MerchantID
	}
	return ""
}

// SessionTranscript encodes the transcript for p.
func (p TransportParams) SessionTranscript() ([]byte, error) {
	switch p.Handover {
	case HandoverOpenID4VP:
		return OID4VPHandover(p.Nonce, p.ClientID, p.ResponseURI, p.MdocGeneratedNonce)
	case HandoverBrowser:
		h, err := p.requesterIdHash()
		if err != nil {
			return nil, err
		}
		return BrowserHandoverV1(p.Nonce, p.Origin, h)
	case HandoverAndroid:
		h, err := p.requesterIdHash()
		if err != nil {
			return nil, err
		}
		return AndroidHandoverV1(p.Nonce, p.PackageName, h)
	case HandoverApple:
		h, err := p.requesterIdHash()
		if err != nil {
			return nil, err
		}
		return AppleHandoverV1(p.MerchantID, p.TeamID, p.Nonce, h)
	}
	return nil, fmt.Errorf("unsupported handover: %q", p.Handover)
}

// Challenge is the DeviceAuthenticationBytes one document's device key signs.
type Challenge struct {
	DocType              mdoc.DocType
	DeviceAuthentication []byte
}

// BuildChallenge derives the transcript and one challenge per doc type, in
// docTypes order. Device signed namespaces are always empty.
func BuildChallenge(params TransportParams, docTypes []mdoc.DocType) ([]byte, []Challenge, error) {
	transcript, err := params.SessionTranscript()
	if err != nil {
		return nil, nil, err
	}

	challenges := make([]Challenge, 0, len(docTypes))
	for _, docType := range docTypes {
		da, err := mdoc.DeviceAuthenticationBytes(transcript, docType, mdoc.EmptyDeviceNameSpaces())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build challenge for %s: %w", docType, err)
		}
		challenges = append(challenges, Challenge{DocType: docType, DeviceAuthentication: da})
	}
	return transcript, challenges, nil
}
