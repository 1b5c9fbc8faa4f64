package presence

import "encoding/xml"

// ContentTypePIDF is the only document format this presence agent
// understands, in either direction.
const ContentTypePIDF = "application/pidf+xml"

// pidfDocument is the minimal PIDF document (RFC 3863) this agent reads and
// writes: one presentity, one tuple, a basic open/closed status. Real
// documents may carry richer tuples and notes; this agent only round-trips
// what it needs to validate well-formedness and to synthesize a fallback.
type pidfDocument struct {
	XMLName xml.Name   `xml:"urn:ietf:params:xml:ns:pidf presence"`
	Entity  string     `xml:"entity,attr"`
	Tuple   pidfTuple  `xml:"tuple"`
}

type pidfTuple struct {
	ID     string     `xml:"id,attr"`
	Status pidfStatus `xml:"status"`
}

type pidfStatus struct {
	Basic string `xml:"basic"`
}

// ValidatePIDF reports whether body is a well-formed PIDF document. It is
// used to distinguish bad_xml from a merely-unsupported content type.
func ValidatePIDF(body []byte) bool {
	var doc pidfDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return false
	}
	return doc.Entity != ""
}

// FakeOfflinePIDF synthesizes a minimal closed-basic-status document for a
// presentity this agent has no real document for, e.g. an address-form
// presentity or an expired publication. entity is the presentity URI this
// document describes.
func FakeOfflinePIDF(entity string) []byte {
	doc := pidfDocument{
		Entity: entity,
		Tuple:  pidfTuple{ID: "fake-offline", Status: pidfStatus{Basic: "closed"}},
	}
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return []byte(xml.Header)
	}
	return append([]byte(xml.Header), body...)
}
