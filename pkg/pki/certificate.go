// Package pki generates and loads the certificates used to sign and verify
// mobile security objects.
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"
	"math/big"
	"time"
)

// ExtKeyUsageMdlDS is the ISO/IEC 18013-5 extended key usage of a document signer.
var ExtKeyUsageMdlDS = asn1.ObjectIdentifier([]int{1, 0, 18013, 5, 1, 2})

// IssuerChain is an IACA root and a document signer certificate issued by it.
type IssuerChain struct {
	RootKey   *ecdsa.PrivateKey
	Root      *x509.Certificate
	SignerKey *ecdsa.PrivateKey
	Signer    *x509.Certificate
}

// Chain returns the document signer chain, leaf first.
func (c *IssuerChain) Chain() []*x509.Certificate {
	return []*x509.Certificate{c.Signer, c.Root}
}

// Pool returns a pool holding only the root.
func (c *IssuerChain) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(c.Root)
	return pool
}

type chainOptions struct {
	notBefore time.Time
	notAfter  time.Time
	name      string
}

type ChainOption func(*chainOptions)

// WithValidity sets the validity of both certificates.
func WithValidity(notBefore, notAfter time.Time) ChainOption {
	return func(o *chainOptions) {
		o.notBefore = notBefore
		o.notAfter = notAfter
	}
}

func WithCommonName(name string) ChainOption {
	return func(o *chainOptions) {
		o.name = name
	}
}

// GenerateIssuerChain creates fresh P-256 keys for a root and a document signer.
func GenerateIssuerChain(opts ...ChainOption) (*IssuerChain, error) {
	now := time.Now()
	o := chainOptions{
		notBefore: now.Add(-time.Hour),
		notAfter:  now.AddDate(1, 0, 0),
		name:      "mdoc-disclosure",
	}
	for _, opt := range opts {
		opt(&o)
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	root, err := createRootCertificate(rootKey, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}

	signerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate document signer key: %w", err)
	}
	signer, err := createDocumentSignerCertificate(signerKey, root, rootKey, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create document signer certificate: %w", err)
	}

	return &IssuerChain{
		RootKey:   rootKey,
		Root:      root,
		SignerKey: signerKey,
		Signer:    signer,
	}, nil
}

func createRootCertificate(key *ecdsa.PrivateKey, o chainOptions) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "IACA " + o.name},
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SubjectKeyId:          CalcKID(&key.PublicKey, "sha1"),
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

func createDocumentSignerCertificate(key *ecdsa.PrivateKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, o chainOptions) (*x509.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:       big.NewInt(2),
		Subject:            pkix.Name{CommonName: "DS " + o.name},
		NotBefore:          o.notBefore,
		NotAfter:           o.notAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		IsCA:               false,
		SubjectKeyId:       CalcKID(&key.PublicKey, "sha1"),
		AuthorityKeyId:     CalcKID(&parentKey.PublicKey, "sha1"),
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{ExtKeyUsageMdlDS},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

func CalcKID(pub *ecdsa.PublicKey, hashAlgo string) []byte {
	b := elliptic.Marshal(pub.Curve, pub.X, pub.Y)

	var h hash.Hash
	switch hashAlgo {
	case "sha1":
		h = sha1.New()
	default:
		h = sha256.New()
	}

	h.Write(b)
	return h.Sum(nil)
}
