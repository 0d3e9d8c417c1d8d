package session_transcript

import (
	"fmt"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

type OriginInfo struct {
	Cat     int     `cbor:"cat"`
	Type    int     `cbor:"type"`
	Details Details `cbor:"details"`
}

type Details struct {
	BaseURL string `cbor:"baseUrl"`
}

const BROWSER_HANDOVER_V1 = "BrowserHandoverv1"

func BrowserHandoverV1(nonce []byte, origin string, requesterIdHash []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if len(requesterIdHash) == 0 {
		return nil, fmt.Errorf("requesterIdHash cannot be empty")
	}

	originInfoBytes, err := mdoc.Marshal(OriginInfo{
		Cat:  1,
		Type: 1,
		Details: Details{
			BaseURL: origin,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode origin info: %w", err)
	}

	return encodeTranscript([]interface{}{ // BrowserHandover
		BROWSER_HANDOVER_V1,
		nonce,
		originInfoBytes,
		requesterIdHash,
	})
}
