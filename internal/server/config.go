package server

import (
	"fmt"
	"strings"

	"github.com/kokukuma/mdoc-disclosure/document"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

type Config struct {
	// ClientID is the verifier identifier bound into every session transcript.
	ClientID string
	// BaseURL is the externally visible URL; responses are posted to
	// BaseURL/response/{session_id}.
	BaseURL string
	// Request lists the elements asked for in every session.
	Request document.Elements
	// AllowNotYetValid accepts credentials whose validity has not started.
	AllowNotYetValid bool
	// RequestSigner, when set, serves each session as a signed request
	// object at BaseURL/request/{session_id}.
	RequestSigner *RequestSigner
}

// DefaultRequest asks for the name and age_over_18 of an ISO mDL.
func DefaultRequest() document.Elements {
	return document.Elements{
		document.IsoMDL: {
			document.ISO1801351: {
				document.IsoGivenName,
				document.IsoFamilyName,
				document.EudiAgeOver18,
			},
		},
	}
}

func (c Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	if len(c.Request) == 0 {
		return fmt.Errorf("request has no documents")
	}
	if c.RequestSigner != nil {
		if err := c.RequestSigner.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) responseURI(sessionID string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/response/" + sessionID
}

func (c Config) requestURI(sessionID string) string {
	if c.RequestSigner == nil {
		return ""
	}
	return strings.TrimSuffix(c.BaseURL, "/") + "/request/" + sessionID
}

func (c Config) docTypes() []string {
	out := make([]string, 0, len(c.Request))
	for _, r := range c.Request.ItemsRequests() {
		out = append(out, string(r.DocType))
	}
	return out
}

func (c Config) requested(docType mdoc.DocType) *document.ItemsRequest {
	for _, r := range c.Request.ItemsRequests() {
		if r.DocType == docType {
			return r
		}
	}
	return nil
}
