package keystore

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/veraison/go-cose"
)

// tbsRecorder is a cose.Signer that captures the Sig_structure it is asked to
// sign and leaves a placeholder behind. The real signature is produced later
// by a MultiKeySigner batch and written over the placeholder.
type tbsRecorder struct {
	toBeSigned []byte
}

func (r *tbsRecorder) Algorithm() cose.Algorithm {
	return cose.AlgorithmES256
}

func (r *tbsRecorder) Sign(_ io.Reader, content []byte) ([]byte, error) {
	r.toBeSigned = append([]byte(nil), content...)
	return []byte{0}, nil
}

// SignSign1 signs msgs[i] with keys[i] in one batch. Every message must
// carry an ES256 protected header and its payload; external is the external
// AAD of all messages. On failure no message is left with a signature.
func SignSign1(ctx context.Context, signer MultiKeySigner, msgs []*cose.Sign1Message, keys []KeyID, external []byte) error {
	if len(msgs) != len(keys) {
		return fmt.Errorf("got %d messages for %d keys", len(msgs), len(keys))
	}

	requests := make([]SignRequest, len(msgs))
	for i, msg := range msgs {
		rec := &tbsRecorder{}
		if err := msg.Sign(rand.Reader, external, rec); err != nil {
			clearSign1(msgs)
			return fmt.Errorf("failed to build message %d: %w", i, err)
		}
		requests[i] = SignRequest{Message: rec.toBeSigned, KeyID: keys[i]}
	}

	signatures, err := signer.Sign(ctx, requests)
	if err != nil {
		clearSign1(msgs)
		return err
	}
	for i, msg := range msgs {
		msg.Signature = signatures[i]
	}
	return nil
}

func clearSign1(msgs []*cose.Sign1Message) {
	for _, msg := range msgs {
		msg.Signature = nil
	}
}

// SignMulti signs msg once per key. msg.Signatures must already hold one
// signature slot per key, in key order, each with an ES256 protected header.
func SignMulti(ctx context.Context, signer MultiKeySigner, msg *cose.SignMessage, keys []KeyID, external []byte) error {
	if len(msg.Signatures) != len(keys) {
		return fmt.Errorf("got %d signature slots for %d keys", len(msg.Signatures), len(keys))
	}

	recorders := make([]*tbsRecorder, len(keys))
	signers := make([]cose.Signer, len(keys))
	for i := range keys {
		recorders[i] = &tbsRecorder{}
		signers[i] = recorders[i]
	}
	if err := msg.Sign(rand.Reader, external, signers...); err != nil {
		clearMulti(msg)
		return fmt.Errorf("failed to build signatures: %w", err)
	}

	requests := make([]SignRequest, len(keys))
	for i, rec := range recorders {
		requests[i] = SignRequest{Message: rec.toBeSigned, KeyID: keys[i]}
	}
	signatures, err := signer.Sign(ctx, requests)
	if err != nil {
		clearMulti(msg)
		return err
	}
	for i, sig := range msg.Signatures {
		sig.Signature = signatures[i]
	}
	return nil
}

func clearMulti(msg *cose.SignMessage) {
	for _, sig := range msg.Signatures {
		sig.Signature = nil
	}
}
