package mdoc

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// algHMAC256 is COSE algorithm 5, HMAC 256/256.
const algHMAC256 int64 = 5

const eMacKeyInfo = "EMacKey"

// Mac0 is an untagged COSE_Mac0 structure with a detached payload.
type Mac0 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int64]interface{}
	Payload     []byte
	Tag         []byte
}

// DeriveEMacKey derives the ISO/IEC 18013-5 9.1.3.5 EMacKey from the ECDH
// shared secret of one party's private key and the other party's public key.
func DeriveEMacKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey, sessionTranscript []byte) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("key agreement keys are missing")
	}
	zab, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	transcriptBytes, err := WrapEncoded(sessionTranscript)
	if err != nil {
		return nil, err
	}
	salt := sha256.Sum256(transcriptBytes)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, zab, salt[:], []byte(eMacKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive EMacKey: %w", err)
	}
	return key, nil
}

func macProtectedHeader() ([]byte, error) {
	return encMode.Marshal(map[int64]int64{1: algHMAC256})
}

func macStructure(protected, payload []byte) ([]byte, error) {
	return encMode.Marshal([]interface{}{"MAC0", protected, []byte{}, payload})
}

// NewDeviceMac computes a DeviceMac over deviceAuthentication with eMacKey.
func NewDeviceMac(eMacKey, deviceAuthentication []byte) (*Mac0, error) {
	protected, err := macProtectedHeader()
	if err != nil {
		return nil, err
	}
	toBeMaced, err := macStructure(protected, deviceAuthentication)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, eMacKey)
	mac.Write(toBeMaced)
	return &Mac0{
		Protected:   protected,
		Unprotected: map[int64]interface{}{},
		Tag:         mac.Sum(nil),
	}, nil
}

// Verify recomputes the tag over deviceAuthentication.
func (m *Mac0) Verify(eMacKey, deviceAuthentication []byte) error {
	if m == nil {
		return errors.New("device mac is nil")
	}
	var header map[int64]interface{}
	if err := decMode.Unmarshal(m.Protected, &header); err != nil {
		return fmt.Errorf("failed to unmarshal mac protected header: %w", err)
	}
	if alg, ok := header[1].(int64); !ok || alg != algHMAC256 {
		if u, ok := header[1].(uint64); !ok || int64(u) != algHMAC256 {
			return fmt.Errorf("unsupported mac algorithm: %v", header[1])
		}
	}
	toBeMaced, err := macStructure(m.Protected, deviceAuthentication)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, eMacKey)
	mac.Write(toBeMaced)
	if !hmac.Equal(mac.Sum(nil), m.Tag) {
		return errors.New("mac tag mismatch")
	}
	return nil
}
