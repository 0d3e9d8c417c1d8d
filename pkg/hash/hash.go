package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
)

// ErrUnsupportedAlgorithm is returned for digest algorithm names outside
// the ISO/IEC 18013-5 set.
var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

const (
	SHA256 = "SHA-256"
	SHA384 = "SHA-384"
	SHA512 = "SHA-512"
)

func newHasher(alg string) (hash.Hash, error) {
	switch alg {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
}

// Supported reports whether alg names a digest algorithm this package computes.
func Supported(alg string) bool {
	_, err := newHasher(alg)
	return err == nil
}

// Digest hashes message with the named algorithm. Unknown names fail closed.
func Digest(message []byte, alg string) ([]byte, error) {
	hasher, err := newHasher(alg)
	if err != nil {
		return nil, err
	}
	if _, err := hasher.Write(message); err != nil {
		return nil, fmt.Errorf("failed to write to hasher: %w", err)
	}
	return hasher.Sum(nil), nil
}
