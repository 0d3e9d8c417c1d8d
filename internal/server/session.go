package server

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const NonceLength = 32

var ErrSessionNotFound = errors.New("session not found")

type Nonce []byte

func CreateNonce() (Nonce, error) {
	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func (n Nonce) String() string {
	return base64.RawURLEncoding.EncodeToString(n)
}

// Transport is the nonce as handed to the wallet and bound into the session
// transcript and the proof of association: the bytes of String.
func (n Nonce) Transport() []byte {
	return []byte(n.String())
}

// Session is one outstanding request. It can be answered once.
type Session struct {
	ID        string
	Nonce     Nonce
	ReaderKey *ecdh.PrivateKey
	CreatedAt time.Time
}

func newSession() (*Session, error) {
	nonce, err := CreateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce: %w", err)
	}
	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate reader key: %w", err)
	}
	return &Session{
		ID:        uuid.New().String(),
		Nonce:     nonce,
		ReaderKey: readerKey,
		CreatedAt: time.Now(),
	}, nil
}

type Sessions struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*Session
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

func (s *Sessions) NewSession() (*Session, error) {
	session, err := newSession()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return session, nil
}

// Get returns the session without consuming it.
func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.ttl > 0 && time.Since(session.CreatedAt) > s.ttl {
		return nil, fmt.Errorf("%w: expired", ErrSessionNotFound)
	}
	return session, nil
}

// Take removes and returns the session. A nonce is never accepted twice.
func (s *Sessions) Take(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(s.sessions, id)
	if s.ttl > 0 && time.Since(session.CreatedAt) > s.ttl {
		return nil, fmt.Errorf("%w: expired", ErrSessionNotFound)
	}
	return session, nil
}

// Expire drops sessions older than the ttl and returns how many were dropped.
func (s *Sessions) Expire() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, session := range s.sessions {
		if time.Since(session.CreatedAt) > s.ttl {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}
