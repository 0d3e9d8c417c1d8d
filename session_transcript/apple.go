package session_transcript

import (
	"fmt"
)

const APPLE_HANDOVER_V1 = "AppleIdentityPresentment_1.0"

func AppleHandoverV1(merchantID, teamID string, nonce, requesterIdHash []byte) ([]byte, error) {
	if merchantID == "" || teamID == "" {
		return nil, fmt.Errorf("merchantID and teamID cannot be empty")
	}
	if len(nonce) == 0 {
		return nil, fmt.Errorf("nonce cannot be empty")
	}
	if len(requesterIdHash) == 0 {
		return nil, fmt.Errorf("requesterIdHash cannot be empty")
	}

	return encodeTranscript([]interface{}{ // AppleHandover
		APPLE_HANDOVER_V1,
		nonce,
		merchantID,
		teamID,
		requesterIdHash,
	})
}
