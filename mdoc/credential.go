package mdoc

import "fmt"

// Credential is an issued document as stored by a holder: the salted
// IssuerSignedItems of every namespace plus the issuer-signed MSO.
type Credential struct {
	DocType      DocType      `cbor:"docType"`
	IssuerSigned IssuerSigned `cbor:"issuerSigned"`
}

// Clone returns a copy whose namespace map and item slices can be reduced
// without touching c. The signed MSO is shared; it is never modified.
func (c *Credential) Clone() *Credential {
	out := &Credential{
		DocType: c.DocType,
		IssuerSigned: IssuerSigned{
			IssuerAuth: c.IssuerSigned.IssuerAuth,
			NameSpaces: make(IssuerNameSpaces, len(c.IssuerSigned.NameSpaces)),
		},
	}
	for ns, items := range c.IssuerSigned.NameSpaces {
		cp := make([]IssuerSignedItemBytes, len(items))
		for i, item := range items {
			cp[i] = append(IssuerSignedItemBytes(nil), item...)
		}
		out.IssuerSigned.NameSpaces[ns] = cp
	}
	return out
}

// MobileSecurityObject decodes the issuer-signed MSO and checks that it was
// issued for this credential's doc type.
func (c *Credential) MobileSecurityObject() (*MobileSecurityObject, error) {
	mso, err := c.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, err
	}
	if mso.DocType != c.DocType {
		return nil, fmt.Errorf("docType mismatch: credential=%s, mso=%s", c.DocType, mso.DocType)
	}
	return mso, nil
}

// Attributes returns the plain values of every element, keyed by namespace
// and element identifier.
func (c *Credential) Attributes() (map[NameSpace]map[ElementIdentifier]interface{}, error) {
	out := make(map[NameSpace]map[ElementIdentifier]interface{}, len(c.IssuerSigned.NameSpaces))
	for ns := range c.IssuerSigned.NameSpaces {
		items, err := c.IssuerSigned.GetIssuerSignedItems(ns)
		if err != nil {
			return nil, err
		}
		values := make(map[ElementIdentifier]interface{}, len(items))
		for _, item := range items {
			values[item.ElementIdentifier] = item.ElementValue.Interface()
		}
		out[ns] = values
	}
	return out, nil
}
