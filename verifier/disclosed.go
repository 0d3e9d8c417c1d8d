package verifier

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/kokukuma/mdoc-disclosure/mdoc"
)

// Attributes are the verified values of one document by namespace and
// element identifier.
type Attributes map[mdoc.NameSpace]map[mdoc.ElementIdentifier]interface{}

// Disclosed is the result of a successful verification.
type Disclosed struct {
	// DocTypes lists the documents in response order.
	DocTypes  []mdoc.DocType
	Documents map[mdoc.DocType]Attributes
}

func (d *Disclosed) Value(docType mdoc.DocType, ns mdoc.NameSpace, id mdoc.ElementIdentifier) (interface{}, bool) {
	elems, ok := d.Documents[docType][ns]
	if !ok {
		return nil, false
	}
	v, ok := elems[id]
	return v, ok
}

// Decode copies the namespace ns of docType into out, a pointer to a struct
// whose fields are tagged `mdoc:"element_identifier"`.
func (d *Disclosed) Decode(docType mdoc.DocType, ns mdoc.NameSpace, out interface{}) error {
	elems, ok := d.Documents[docType][ns]
	if !ok {
		return fmt.Errorf("namespace %s of %s was not disclosed", ns, docType)
	}
	input := make(map[string]interface{}, len(elems))
	for id, v := range elems {
		input[string(id)] = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mdoc",
		Result:  out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode %s: %w", ns, err)
	}
	return nil
}
