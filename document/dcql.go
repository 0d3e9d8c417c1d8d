package document

// DCQL is the Digital Credentials Query Language of OpenID4VP 1.0, section 6.
// Only the mso_mdoc subset the verifier emits is modelled.
//
//	https://openid.net/specs/openid-4-verifiable-presentations-1_0.html#name-digital-credentials-query-l

const formatMsoMdoc = "mso_mdoc"

// DCQLQuery asks for one credential per doc type.
type DCQLQuery struct {
	Credentials    []CredentialQuery    `json:"credentials"`
	CredentialSets []CredentialSetQuery `json:"credential_sets,omitempty"`
}

// CredentialQuery is keyed by the doc type; ID and Meta.DocType are equal.
type CredentialQuery struct {
	ID     string           `json:"id"`
	Format string           `json:"format"`
	Meta   *MetaConstraints `json:"meta,omitempty"`
	Claims []ClaimQuery     `json:"claims,omitempty"`
}

type MetaConstraints struct {
	DocType    string                 `json:"doctype_value,omitempty"`
	Additional map[string]interface{} `json:"additional,omitempty"`
}

// ClaimQuery addresses an element as [namespace, element], or a whole
// namespace as [namespace].
type ClaimQuery struct {
	ID             string        `json:"id,omitempty"`
	Path           []interface{} `json:"path,omitempty"`
	IntentToRetain bool          `json:"intent_to_retain,omitempty"`
}

type CredentialSetQuery struct {
	Options  [][]string `json:"options"`
	Required *bool      `json:"required,omitempty"`
}
