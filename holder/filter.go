// Package holder prepares disclosures on the wallet side: it reduces stored
// credentials to the requested elements, signs the session challenges and
// assembles the DeviceResponse.
package holder

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/kokukuma/mdoc-disclosure/document"
	"github.com/kokukuma/mdoc-disclosure/mdoc"
	"github.com/kokukuma/mdoc-disclosure/pkg/hash"
)

// FilterForDisclosure returns a copy of cred holding only the requested
// items. Namespaces left without items are dropped. Every retained item is
// checked against its signed digest first; a mismatch means the local store
// is corrupted and fails with mdoc.ErrAttributeMismatch.
func FilterForDisclosure(cred *mdoc.Credential, request *document.ItemsRequest) (*mdoc.Credential, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential is nil")
	}
	if request == nil {
		return nil, fmt.Errorf("items request is nil")
	}
	if request.DocType != cred.DocType {
		return nil, fmt.Errorf("request for %s does not match credential %s", request.DocType, cred.DocType)
	}

	mso, err := cred.MobileSecurityObject()
	if err != nil {
		return nil, fmt.Errorf("failed to read mobile security object: %w", err)
	}
	if !hash.Supported(mso.DigestAlgorithm) {
		return nil, fmt.Errorf("%w: %s", mdoc.ErrUnsupportedDigestAlgorithm, mso.DigestAlgorithm)
	}

	reduced := cred.Clone()
	nameSpaces := make([]mdoc.NameSpace, 0, len(reduced.IssuerSigned.NameSpaces))
	for ns := range reduced.IssuerSigned.NameSpaces {
		nameSpaces = append(nameSpaces, ns)
	}
	sort.Slice(nameSpaces, func(i, j int) bool { return nameSpaces[i] < nameSpaces[j] })

	for _, ns := range nameSpaces {
		var retained []mdoc.IssuerSignedItemBytes
		for _, b := range reduced.IssuerSigned.NameSpaces[ns] {
			item, err := b.IssuerSignedItem()
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", mdoc.ErrAttributeMismatch, ns, err)
			}
			if !request.Contains(ns, item.ElementIdentifier) {
				continue
			}
			if err := checkDigest(mso, ns, item.DigestID, b); err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", mdoc.ErrAttributeMismatch, ns, item.ElementIdentifier, err)
			}
			retained = append(retained, b)
		}
		if len(retained) == 0 {
			delete(reduced.IssuerSigned.NameSpaces, ns)
			continue
		}
		reduced.IssuerSigned.NameSpaces[ns] = retained
	}
	return reduced, nil
}

func checkDigest(mso *mdoc.MobileSecurityObject, ns mdoc.NameSpace, digestID mdoc.DigestID, b mdoc.IssuerSignedItemBytes) error {
	want, err := mso.GetDigest(ns, digestID)
	if err != nil {
		return err
	}
	got, err := b.Digest(mso.DigestAlgorithm)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return fmt.Errorf("digest %d does not match", digestID)
	}
	return nil
}
