package verifier

import (
	"crypto/ecdh"
	"time"

	"github.com/sirupsen/logrus"
)

type VerifierOption func(*Verifier)

// AllowNotYetValid accepts credentials whose validFrom lies in the future.
// validUntil is still enforced.
func AllowNotYetValid() VerifierOption {
	return func(v *Verifier) {
		v.allowNotYetValid = true
	}
}

// WithCurrentTime fixes the instant certificates and validity windows are
// checked at.
func WithCurrentTime(t time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = func() time.Time { return t }
	}
}

// WithReaderKey sets the reader ephemeral private key. It is needed to check
// documents authenticated with a device MAC.
func WithReaderKey(key *ecdh.PrivateKey) VerifierOption {
	return func(v *Verifier) {
		v.readerKey = key
	}
}

func WithLogger(log *logrus.Entry) VerifierOption {
	return func(v *Verifier) {
		v.log = log
	}
}
