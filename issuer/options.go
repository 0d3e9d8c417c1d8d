package issuer

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

type options struct {
	rand            io.Reader
	digestAlgorithm string
	now             func() time.Time
	log             *logrus.Entry
}

func newOptions(opts []Option) options {
	o := options{
		rand:            rand.Reader,
		digestAlgorithm: hash.SHA256,
		now:             time.Now,
		log:             logrus.NewEntry(logrus.StandardLogger()).WithField("component", "issuer"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Option func(*options)

// WithRand sets the source of salts. Mostly used for testing.
func WithRand(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithDigestAlgorithm selects the digest algorithm of every value digest,
// e.g. "SHA-384". The default is "SHA-256".
func WithDigestAlgorithm(alg string) Option {
	return func(o *options) {
		o.digestAlgorithm = alg
	}
}

// WithCurrentTime fixes the signing time.
func WithCurrentTime(t time.Time) Option {
	return func(o *options) {
		o.now = func() time.Time { return t }
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		o.log = log
	}
}
