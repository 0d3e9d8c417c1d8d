package server

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/form3tech-oss/jwt-go"

	"github.com/kokukuma/mdoc-disclosure/document"
	"github.com/kokukuma/mdoc-disclosure/pkg/pki"
)

const (
	requestObjectType     = "oauth-authz-req+jwt"
	selfIssuedAudience    = "https://self-issued.me/v2"
	requestObjectLifetime = 5 * time.Minute
)

// RequestSigner signs authorization request objects.
type RequestSigner struct {
	Key *ecdsa.PrivateKey
	// Chain is sent in the x5c header, leaf first.
	Chain []*x509.Certificate
}

func (s *RequestSigner) validate() error {
	if s.Key == nil {
		return errors.New("request signing key is required")
	}
	if len(s.Chain) == 0 {
		return errors.New("request signing certificate is required")
	}
	if !s.Key.PublicKey.Equal(s.Chain[0].PublicKey) {
		return errors.New("request signing key does not match the certificate")
	}
	return nil
}

type ClientMetadata struct {
	// ReaderPublicKey is the session's HPKE recipient key, base64url.
	ReaderPublicKey string   `json:"reader_public_key"`
	VPFormats       []string `json:"vp_formats"`
}

// RequestObject is the JWT secured authorization request of one session.
type RequestObject struct {
	ResponseType   string             `json:"response_type"`
	ResponseMode   string             `json:"response_mode"`
	ClientID       string             `json:"client_id"`
	ResponseURI    string             `json:"response_uri"`
	Nonce          string             `json:"nonce"`
	DCQLQuery      document.DCQLQuery `json:"dcql_query"`
	ClientMetadata ClientMetadata     `json:"client_metadata"`
	Issuer         string             `json:"iss"`
	Audience       string             `json:"aud"`
	ID             string             `json:"jti"`
	IssuedAt       int64              `json:"iat"`
	ExpiresAt      int64              `json:"exp"`
}

// Valid implements jwt.Claims.
func (r *RequestObject) Valid() error {
	now := time.Now().Unix()
	if r.ExpiresAt != 0 && now > r.ExpiresAt {
		return errors.New("request object is expired")
	}
	if r.IssuedAt > now {
		return errors.New("request object is not issued yet")
	}
	return nil
}

func (s *Server) requestObject(session *Session) *RequestObject {
	issuedAt := session.CreatedAt
	return &RequestObject{
		ResponseType: "vp_token",
		ResponseMode: "direct_post",
		ClientID:     s.cfg.ClientID,
		ResponseURI:  s.cfg.responseURI(session.ID),
		Nonce:        session.Nonce.String(),
		DCQLQuery:    s.cfg.Request.DCQLQuery(),
		ClientMetadata: ClientMetadata{
			ReaderPublicKey: b64.EncodeToString(session.ReaderKey.PublicKey().Bytes()),
			VPFormats:       []string{"mso_mdoc"},
		},
		Issuer:    s.cfg.ClientID,
		Audience:  selfIssuedAudience,
		ID:        session.ID,
		IssuedAt:  issuedAt.Unix(),
		ExpiresAt: issuedAt.Add(requestObjectLifetime).Unix(),
	}
}

// Sign returns the compact ES256 serialization of r.
func (r *RequestObject) Sign(signer *RequestSigner) (string, error) {
	certChain := make([]string, len(signer.Chain))
	for i, cert := range signer.Chain {
		certChain[i] = base64.StdEncoding.EncodeToString(cert.Raw)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, r)
	token.Header["x5c"] = certChain
	token.Header["typ"] = requestObjectType
	token.Header["kid"] = hex.EncodeToString(pki.CalcKID(&signer.Key.PublicKey, "sha256"))

	return token.SignedString(signer.Key)
}
