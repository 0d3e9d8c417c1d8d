package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SoftwareStore keeps P-256 keys in memory. Creating and deleting keys are
// serialized; signing and lookups run concurrently.
type SoftwareStore struct {
	mu   sync.RWMutex
	keys map[KeyID]*ecdsa.PrivateKey
}

var (
	_ KeyStore   = (*SoftwareStore)(nil)
	_ KeyCreator = (*SoftwareStore)(nil)
)

func NewSoftwareStore() *SoftwareStore {
	return &SoftwareStore{
		keys: make(map[KeyID]*ecdsa.PrivateKey),
	}
}

// Create generates a key under id, or under a fresh uuid when id is empty.
func (s *SoftwareStore) Create(ctx context.Context, id KeyID) (*Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return s.put(ctx, id, priv)
}

// put stores priv under id, or under a fresh uuid when id is empty.
func (s *SoftwareStore) put(ctx context.Context, id KeyID, priv *ecdsa.PrivateKey) (*Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("only P-256 private keys are supported")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = KeyID(uuid.New().String())
	}
	if _, ok := s.keys[id]; ok {
		return nil, fmt.Errorf("key %s already exists", id)
	}
	s.keys[id] = priv
	return &Key{ID: id, PublicKey: &priv.PublicKey}, nil
}

func (s *SoftwareStore) Delete(ctx context.Context, id KeyID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	delete(s.keys, id)
	return nil
}

func (s *SoftwareStore) get(id KeyID) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	priv, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return priv, nil
}

func (s *SoftwareStore) Sign(ctx context.Context, id KeyID, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := s.get(id)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(message)
	r, ss, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	size := (priv.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	ss.FillBytes(sig[size:])
	return sig, nil
}

func (s *SoftwareStore) PublicKey(ctx context.Context, id KeyID) (*ecdsa.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priv, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return &priv.PublicKey, nil
}

func (s *SoftwareStore) Exists(ctx context.Context, id KeyID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.keys[id]
	return ok, nil
}
