// Package keystore signs device authentication challenges with credential
// bound keys. A KeyStore backend holds the private keys; Signer fans a batch
// of (message, key) pairs out over it and returns all signatures or none.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

// ErrKeyNotFound is returned by a KeyStore for an unknown key identifier.
var ErrKeyNotFound = errors.New("key not found")

type KeyID string

// Key is a borrowed reference to a key held by a KeyStore.
type Key struct {
	ID        KeyID
	PublicKey *ecdsa.PublicKey
}

type SignRequest struct {
	Message []byte
	KeyID   KeyID
}

// KeyStore is a key storage backend: software keys, a hardware module or a
// remote HSM. Sign, PublicKey and Exists may be called concurrently.
// Sign returns an ES256 signature over SHA-256(message) as r||s.
type KeyStore interface {
	Sign(ctx context.Context, id KeyID, message []byte) ([]byte, error)
	PublicKey(ctx context.Context, id KeyID) (*ecdsa.PublicKey, error)
	Exists(ctx context.Context, id KeyID) (bool, error)
}

// KeyCreator is implemented by stores that can create keys on demand.
type KeyCreator interface {
	Create(ctx context.Context, id KeyID) (*Key, error)
}

// MultiKeySigner signs several messages, each with its own key, as one
// operation.
type MultiKeySigner interface {
	// Sign returns one signature per request, in request order. If any
	// request fails no signature is returned.
	Sign(ctx context.Context, requests []SignRequest) ([][]byte, error)
	// NewOrExistingKey resolves id. A non-nil expected key must match the
	// stored public key; otherwise mdoc.ErrKeyResolution is returned.
	NewOrExistingKey(ctx context.Context, id KeyID, expected *ecdsa.PublicKey) (*Key, error)
}

type Option func(*Signer)

// WithConcurrency bounds the number of signing operations in flight.
// n <= 0 means no bound.
func WithConcurrency(n int) Option {
	return func(s *Signer) {
		s.concurrency = n
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Signer) {
		s.log = log
	}
}

// Signer implements MultiKeySigner on top of a KeyStore.
type Signer struct {
	store       KeyStore
	concurrency int
	log         *logrus.Entry
}

var _ MultiKeySigner = (*Signer)(nil)

func NewSigner(store KeyStore, opts ...Option) *Signer {
	s := &Signer{
		store: store,
		log:   logrus.NewEntry(logrus.StandardLogger()).WithField("component", "keystore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) Sign(ctx context.Context, requests []SignRequest) ([][]byte, error) {
	signatures := make([][]byte, len(requests))
	if len(requests) == 0 {
		return signatures, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sig, err := s.store.Sign(gctx, req.KeyID, req.Message)
			if err != nil {
				return fmt.Errorf("failed to sign request %d with key %s: %w", i, req.KeyID, err)
			}
			signatures[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.WithError(err).WithField("requests", len(requests)).Debug("signing batch failed")
		return nil, err
	}

	s.log.WithField("requests", len(requests)).Debug("signing batch completed")
	return signatures, nil
}

func (s *Signer) NewOrExistingKey(ctx context.Context, id KeyID, expected *ecdsa.PublicKey) (*Key, error) {
	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up key %s: %w", id, err)
	}

	if !exists {
		if expected != nil {
			return nil, fmt.Errorf("%w: key %s is missing", mdoc.ErrKeyResolution, id)
		}
		creator, ok := s.store.(KeyCreator)
		if !ok {
			return nil, fmt.Errorf("%w: key %s is missing and the store cannot create keys", mdoc.ErrKeyResolution, id)
		}
		key, err := creator.Create(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to create key %s: %w", id, err)
		}
		s.log.WithField("key", id).Debug("created key")
		return key, nil
	}

	pub, err := s.store.PublicKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get public key %s: %w", id, err)
	}
	if expected != nil && !pub.Equal(expected) {
		return nil, fmt.Errorf("%w: public key of %s differs from the expected key", mdoc.ErrKeyResolution, id)
	}
	return &Key{ID: id, PublicKey: pub}, nil
}
