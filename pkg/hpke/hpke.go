// Package hpke seals an encoded DeviceResponse to a reader's ephemeral key
// with RFC 9180 HPKE (DHKEM(P-256), HKDF-SHA256, AES-128-GCM). The session
// transcript is the HPKE info, so a sealed response only opens in its session.
package hpke

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/cisco/go-hpke"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

const (
	kemAlg  = hpke.DHKEM_P256
	kdfAlg  = hpke.KDF_HKDF_SHA256
	aeadAlg = hpke.AEAD_AESGCM128

	// Algorithm names the cipher suite in an Envelope.
	Algorithm = "HPKE-Base-P256-SHA256-AES128GCM"

	modeBase uint = 0
)

type Envelope struct {
	Algorithm string `cbor:"algorithm"`
	Params    Params `cbor:"params"`
	Data      []byte `cbor:"data"`
}

type Params struct {
	Mode     uint   `cbor:"mode"`
	PkEM     []byte `cbor:"pkEm"`
	PkRHash  []byte `cbor:"pkRHash"`
	InfoHash []byte `cbor:"infoHash"`
}

// Seal encrypts plaintext to recipient with info bound into the key schedule.
func Seal(plaintext []byte, recipient *ecdh.PublicKey, info []byte) (*Envelope, error) {
	if recipient == nil {
		return nil, fmt.Errorf("nil recipient public key")
	}
	suite, err := hpke.AssembleCipherSuite(kemAlg, kdfAlg, aeadAlg)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble cipher suite: %w", err)
	}

	pkR, err := suite.KEM.DeserializePublicKey(recipient.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize public key: %w", err)
	}

	enc, ctxS, err := hpke.SetupBaseS(suite, rand.Reader, pkR, info)
	if err != nil {
		return nil, fmt.Errorf("failed to setup sender context: %w", err)
	}

	pkRHash, err := hash.Digest(recipient.Bytes(), hash.SHA256)
	if err != nil {
		return nil, err
	}
	infoHash, err := hash.Digest(info, hash.SHA256)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Algorithm: Algorithm,
		Params: Params{
			Mode:     modeBase,
			PkEM:     enc,
			PkRHash:  pkRHash,
			InfoHash: infoHash,
		},
		Data: ctxS.Seal(nil, plaintext),
	}, nil
}

// Open checks that env was sealed to privKey for info and decrypts it.
func Open(env *Envelope, privKey *ecdh.PrivateKey, info []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if env.Algorithm != Algorithm || env.Params.Mode != modeBase {
		return nil, fmt.Errorf("unsupported envelope: %s mode %d", env.Algorithm, env.Params.Mode)
	}
	if privKey == nil {
		return nil, fmt.Errorf("nil private key")
	}

	pkRHash, err := hash.Digest(privKey.PublicKey().Bytes(), hash.SHA256)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pkRHash, env.Params.PkRHash) {
		return nil, fmt.Errorf("pkRHash does not match")
	}
	infoHash, err := hash.Digest(info, hash.SHA256)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(infoHash, env.Params.InfoHash) {
		return nil, fmt.Errorf("infoHash does not match")
	}

	return decrypt(env.Data, env.Params.PkEM, info, privKey)
}

// decrypt opens a base mode HPKE ciphertext.
func decrypt(data, pkEM, info []byte, privKey *ecdh.PrivateKey) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if len(pkEM) == 0 {
		return nil, fmt.Errorf("empty ephemeral public key")
	}
	if privKey == nil {
		return nil, fmt.Errorf("nil private key")
	}

	suite, err := hpke.AssembleCipherSuite(kemAlg, kdfAlg, aeadAlg)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble cipher suite: %w", err)
	}

	skR, err := suite.KEM.DeserializePrivateKey(privKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize private key: %w", err)
	}

	ctxR, err := hpke.SetupBaseR(suite, skR, pkEM, info)
	if err != nil {
		return nil, fmt.Errorf("failed to setup receiver context: %w", err)
	}

	plainText, err := ctxR.Open(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ciphertext: %w", err)
	}
	return plainText, nil
}

// Marshal encodes env in the canonical encoding.
func (e *Envelope) Marshal() ([]byte, error) {
	return mdoc.Marshal(e)
}

// ParseEnvelope decodes a CBOR encoded Envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := mdoc.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}
