// Package mdoc provides the data model of ISO/IEC 18013-5 mobile documents and
// the canonical encodings that digests and signatures are computed over.
// This file contains the error taxonomy shared by issuer, holder and verifier.
package mdoc

import (
	"errors"
	"fmt"

	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrEncoding                    = errors.New("attribute value cannot be canonically encoded")
	ErrAttributeMismatch           = errors.New("stored attribute does not match its digest")
	ErrAttributeVerificationFailed = errors.New("disclosed attribute does not match its digest")
	ErrCertificateChainInvalid     = errors.New("issuer certificate chain is invalid")
	ErrExpiredMetadata             = errors.New("mobile security object is outside its validity window")
	ErrDeviceAuthenticationFailed  = errors.New("device authentication failed")
	ErrMissingOrInvalidPoa         = errors.New("proof of association is missing or invalid")
	ErrDuplicateKeyInPoa           = errors.New("proof of association lists the same key twice")
	ErrTooFewKeysForPoa            = errors.New("proof of association needs at least two keys")
	ErrKeyResolution               = errors.New("key identifier does not resolve to the expected public key")
	ErrUnsupportedDigestAlgorithm  = hash.ErrUnsupportedAlgorithm
)

// Category is the reason class shown to a holder when a disclosure aborts.
type Category string

const (
	CategoryNone     Category = ""
	CategoryStorage  Category = "encoding/storage"
	CategorySession  Category = "network/session-mismatch"
	CategoryTrust    Category = "verifier-trust"
	CategoryInternal Category = "internal"
)

// CategoryOf classifies err. Errors outside the taxonomy are internal.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrEncoding),
		errors.Is(err, ErrAttributeMismatch),
		errors.Is(err, ErrKeyResolution),
		errors.Is(err, ErrUnsupportedDigestAlgorithm):
		return CategoryStorage
	case errors.Is(err, ErrDeviceAuthenticationFailed),
		errors.Is(err, ErrMissingOrInvalidPoa),
		errors.Is(err, ErrDuplicateKeyInPoa),
		errors.Is(err, ErrTooFewKeysForPoa):
		return CategorySession
	case errors.Is(err, ErrCertificateChainInvalid),
		errors.Is(err, ErrExpiredMetadata),
		errors.Is(err, ErrAttributeVerificationFailed):
		return CategoryTrust
	}
	return CategoryInternal
}

// DocumentError scopes a failure to the document it was found in.
type DocumentError struct {
	DocType DocType
	Err     error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %s: %v", e.DocType, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// FailedDocType returns the doc type of the document err is scoped to, if any.
func FailedDocType(err error) (DocType, bool) {
	var docErr *DocumentError
	if errors.As(err, &docErr) {
		return docErr.DocType, true
	}
	return "", false
}
