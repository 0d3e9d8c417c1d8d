// Package issuer turns attribute sets into salted digest commitments and
// signs them into a MobileSecurityObject.
package issuer

import (
	"fmt"
	"io"
	"sort"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

// SaltSize is the length in bytes of the random value of every item.
const SaltSize = 32

type Attribute struct {
	Name  mdoc.ElementIdentifier
	Value interface{}
}

// Attributes lists the attributes of each namespace in issuance order.
type Attributes map[mdoc.NameSpace][]Attribute

// Commitments are the salted items of a credential together with their
// digests. The two are one unit: digest IDs are fixed once signed.
type Commitments struct {
	DocType         mdoc.DocType
	DigestAlgorithm string
	NameSpaces      mdoc.IssuerNameSpaces
	ValueDigests    mdoc.ValueDigests
}

// BuildCommitments salts and digests every attribute. Namespaces are
// processed in sorted order and digest IDs increase across the whole
// credential starting at 0.
func BuildCommitments(docType mdoc.DocType, attrs Attributes, opts ...Option) (*Commitments, error) {
	return buildCommitments(docType, attrs, newOptions(opts))
}

func buildCommitments(docType mdoc.DocType, attrs Attributes, o options) (*Commitments, error) {
	if docType == "" {
		return nil, fmt.Errorf("doc type is empty")
	}
	if !hash.Supported(o.digestAlgorithm) {
		return nil, fmt.Errorf("%w: %s", mdoc.ErrUnsupportedDigestAlgorithm, o.digestAlgorithm)
	}

	nameSpaces := make([]mdoc.NameSpace, 0, len(attrs))
	for ns, list := range attrs {
		if len(list) > 0 {
			nameSpaces = append(nameSpaces, ns)
		}
	}
	sort.Slice(nameSpaces, func(i, j int) bool { return nameSpaces[i] < nameSpaces[j] })

	c := &Commitments{
		DocType:         docType,
		DigestAlgorithm: o.digestAlgorithm,
		NameSpaces:      make(mdoc.IssuerNameSpaces, len(nameSpaces)),
		ValueDigests:    make(mdoc.ValueDigests, len(nameSpaces)),
	}

	var digestID mdoc.DigestID
	for _, ns := range nameSpaces {
		seen := map[mdoc.ElementIdentifier]bool{}
		items := make([]mdoc.IssuerSignedItemBytes, 0, len(attrs[ns]))
		digests := make(mdoc.DigestIDs, len(attrs[ns]))

		for _, attr := range attrs[ns] {
			if attr.Name == "" {
				return nil, fmt.Errorf("empty element identifier in namespace %s", ns)
			}
			if seen[attr.Name] {
				return nil, fmt.Errorf("duplicate element identifier %s in namespace %s", attr.Name, ns)
			}
			seen[attr.Name] = true

			value, err := mdoc.ValueOf(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s/%s: %w", ns, attr.Name, err)
			}

			salt := make([]byte, SaltSize)
			if _, err := io.ReadFull(o.rand, salt); err != nil {
				return nil, fmt.Errorf("failed to generate salt: %w", err)
			}

			item, err := mdoc.NewIssuerSignedItemBytes(mdoc.IssuerSignedItem{
				DigestID:          digestID,
				Random:            salt,
				ElementIdentifier: attr.Name,
				ElementValue:      value,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", mdoc.ErrEncoding, ns, attr.Name, err)
			}
			digest, err := item.Digest(o.digestAlgorithm)
			if err != nil {
				return nil, err
			}

			items = append(items, item)
			digests[digestID] = digest
			digestID++
		}

		c.NameSpaces[ns] = items
		c.ValueDigests[ns] = digests
	}

	o.log.WithField("docType", docType).WithField("items", int(digestID)).Debug("built commitments")
	return c, nil
}
