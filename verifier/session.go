package verifier

import (
	"github.com/kokukuma/mdoc-disclosure/session_transcript"
)

// Session is the verifier's own view of one disclosure session.
type Session struct {
	// Transcript is the SessionTranscript the verifier computed itself.
	Transcript []byte
	// Nonce and Audience are the values a proof of association must carry.
	Nonce    []byte
	Audience string
}

// NewSession derives a Session from the transport parameters the verifier
// handed out.
func NewSession(params session_transcript.TransportParams) (Session, error) {
	transcript, err := params.SessionTranscript()
	if err != nil {
		return Session{}, err
	}
	return Session{
		Transcript: transcript,
		Nonce:      params.Nonce,
		Audience:   params.Audience(),
	}, nil
}
