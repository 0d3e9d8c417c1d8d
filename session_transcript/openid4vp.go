// Package session_transcript builds the SessionTranscript that binds device
// authentication to one verifier session, for each supported handover.
//
//	SessionTranscript = [
//	    DeviceEngagementBytes,
//	    EReaderKeyBytes,
//	    Handover
//	]
//
// Every handover here is presentation over a network channel, so the first
// two elements are null.
package session_transcript

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

func sha256Sum(b []byte) []byte {
	hash := sha256.Sum256(b)
	return hash[:]
}

func encodeTranscript(handover interface{}) ([]byte, error) {
	transcript, err := mdoc.Marshal([]interface{}{
		nil, // DeviceEngagementBytes
		nil, // EReaderKeyBytes
		handover,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return transcript, nil
}

// OID4VPHandover follows ISO/IEC 18013-7 Annex B. apu is the base64url
// (unpadded) mdoc generated nonce.
func OID4VPHandover(nonce []byte, clientID, responseURI, apu string) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if clientID == "" {
		return nil, fmt.Errorf("clientID cannot be empty")
	}
	if responseURI == "" {
		return nil, fmt.Errorf("responseURI cannot be empty")
	}
	if apu == "" {
		return nil, fmt.Errorf("apu cannot be empty")
	}

	// nonce and mdocGeneratedNonce are encoded as tstr
	if !utf8.Valid(nonce) {
		return nil, fmt.Errorf("nonce is not a valid text string")
	}
	nonceStr := string(nonce)

	mdocGeneratedNonce, err := base64.RawURLEncoding.DecodeString(apu)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mdocGeneratedNonce: %w", err)
	}
	if !utf8.Valid(mdocGeneratedNonce) {
		return nil, fmt.Errorf("mdocGeneratedNonce is not a valid text string")
	}
	mdocGeneratedNonceStr := string(mdocGeneratedNonce)

	clientIdToHash, err := mdoc.Marshal([]interface{}{clientID, mdocGeneratedNonceStr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode clientID for hashing: %w", err)
	}
	responseUriToHash, err := mdoc.Marshal([]interface{}{responseURI, mdocGeneratedNonceStr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode responseURI for hashing: %w", err)
	}

	return encodeTranscript([]interface{}{ // OID4VPHandover
		sha256Sum(clientIdToHash),
		sha256Sum(responseUriToHash),
		nonceStr,
	})
}
