package verifier

import (
	"context"
	"crypto/x509"
	"fmt"
)

// TrustAnchors supplies the root certificates issuer chains must lead to.
// Implementations may look them up remotely.
type TrustAnchors interface {
	Roots(ctx context.Context) (*x509.CertPool, error)
}

type staticRoots struct {
	pool *x509.CertPool
}

// StaticRoots serves a fixed pool.
func StaticRoots(pool *x509.CertPool) TrustAnchors {
	return staticRoots{pool: pool}
}

func (s staticRoots) Roots(ctx context.Context) (*x509.CertPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pool == nil {
		return nil, fmt.Errorf("no trust anchors configured")
	}
	return s.pool, nil
}
