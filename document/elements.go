package document

import (
	"fmt"
	"sort"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

// WholeNameSpace requests every element of a namespace.
const WholeNameSpace mdoc.ElementIdentifier = "*"

// AttributePath names one element, or a whole namespace when Element is WholeNameSpace.
type AttributePath struct {
	NameSpace mdoc.NameSpace
	Element   mdoc.ElementIdentifier
}

func (p AttributePath) String() string {
	return fmt.Sprintf("%s/%s", p.NameSpace, p.Element)
}

// ItemsRequest is the set of paths requested from one document. It encodes as
// the ISO/IEC 18013-5 ItemsRequest structure.
type ItemsRequest struct {
	DocType    mdoc.DocType                                       `cbor:"docType"`
	NameSpaces map[mdoc.NameSpace]map[mdoc.ElementIdentifier]bool `cbor:"nameSpaces"`
}

func NewItemsRequest(docType mdoc.DocType, paths ...AttributePath) *ItemsRequest {
	r := &ItemsRequest{
		DocType:    docType,
		NameSpaces: map[mdoc.NameSpace]map[mdoc.ElementIdentifier]bool{},
	}
	for _, p := range paths {
		r.Add(p, false)
	}
	return r
}

// Add requests path. intentToRetain is passed through to the holder unchanged.
func (r *ItemsRequest) Add(path AttributePath, intentToRetain bool) {
	if r.NameSpaces == nil {
		r.NameSpaces = map[mdoc.NameSpace]map[mdoc.ElementIdentifier]bool{}
	}
	elems, ok := r.NameSpaces[path.NameSpace]
	if !ok {
		elems = map[mdoc.ElementIdentifier]bool{}
		r.NameSpaces[path.NameSpace] = elems
	}
	elems[path.Element] = intentToRetain
}

// Contains reports whether the element at ns/id is requested, either by name
// or through a WholeNameSpace wildcard.
func (r *ItemsRequest) Contains(ns mdoc.NameSpace, id mdoc.ElementIdentifier) bool {
	if r == nil {
		return false
	}
	elems, ok := r.NameSpaces[ns]
	if !ok {
		return false
	}
	if _, ok := elems[WholeNameSpace]; ok {
		return true
	}
	_, ok = elems[id]
	return ok
}

// Paths returns the requested paths in a stable order.
func (r *ItemsRequest) Paths() []AttributePath {
	var paths []AttributePath
	for ns, elems := range r.NameSpaces {
		for id := range elems {
			paths = append(paths, AttributePath{NameSpace: ns, Element: id})
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		if paths[i].NameSpace != paths[j].NameSpace {
			return paths[i].NameSpace < paths[j].NameSpace
		}
		return paths[i].Element < paths[j].Element
	})
	return paths
}

// Elements groups requested element identifiers by doc type and namespace.
type Elements map[mdoc.DocType]map[mdoc.NameSpace][]mdoc.ElementIdentifier

// ItemsRequests converts d into one ItemsRequest per doc type, sorted by doc type.
func (d Elements) ItemsRequests() []*ItemsRequest {
	docTypes := make([]mdoc.DocType, 0, len(d))
	for docType := range d {
		docTypes = append(docTypes, docType)
	}
	sort.Slice(docTypes, func(i, j int) bool { return docTypes[i] < docTypes[j] })

	requests := make([]*ItemsRequest, 0, len(d))
	for _, docType := range docTypes {
		r := NewItemsRequest(docType)
		for ns, elems := range d[docType] {
			for _, elem := range elems {
				r.Add(AttributePath{NameSpace: ns, Element: elem}, false)
			}
		}
		requests = append(requests, r)
	}
	return requests
}

// CredentialQuery expresses r as a DCQL credential query, claims in Paths order.
func (r *ItemsRequest) CredentialQuery() CredentialQuery {
	paths := r.Paths()
	claims := make([]ClaimQuery, len(paths))
	for i, p := range paths {
		path := []interface{}{string(p.NameSpace), string(p.Element)}
		if p.Element == WholeNameSpace {
			path = []interface{}{string(p.NameSpace)}
		}
		claims[i] = ClaimQuery{
			ID:             fmt.Sprintf("%s_%s", p.NameSpace, p.Element),
			Path:           path,
			IntentToRetain: r.NameSpaces[p.NameSpace][p.Element],
		}
	}

	return CredentialQuery{
		ID:     string(r.DocType),
		Format: formatMsoMdoc,
		Meta: &MetaConstraints{
			DocType: string(r.DocType),
			Additional: map[string]interface{}{
				"alg": []string{"ES256"},
			},
		},
		Claims: claims,
	}
}

// DCQLQuery asks for every doc type of d as one required credential set.
func (d Elements) DCQLQuery() DCQLQuery {
	query := DCQLQuery{
		Credentials: make([]CredentialQuery, 0),
	}

	credentialIDs := make([]string, 0)
	for _, r := range d.ItemsRequests() {
		query.Credentials = append(query.Credentials, r.CredentialQuery())
		credentialIDs = append(credentialIDs, string(r.DocType))
	}

	query.CredentialSets = []CredentialSetQuery{
		{
			Options:  [][]string{credentialIDs},
			Required: ptr(true),
		},
	}
	return query
}

func ptr(b bool) *bool {
	return &b
}
