package waf

import "strconv"

// RequestAttributes is the flat attribute set a condition is evaluated
// against. Keys are Field values; a missing attribute reads as the empty
// string, never an error.
type RequestAttributes map[Field]string

// Get returns the attribute value, or "" when absent.
func (a RequestAttributes) Get(f Field) string {
	return a[f]
}

// AttributesFromLogEntry builds the attribute set for out-of-band evaluation
// of an already-logged request.
func AttributesFromLogEntry(e TrafficDecisionLogEntry) RequestAttributes {
	attrs := RequestAttributes{
		FieldRequestPath: e.Path,
		FieldURIFull:     e.Path,
		FieldMethod:      e.Method,
		FieldUserAgent:   e.UserAgent,
		FieldIPAddress:   e.IPAddress,
		FieldCountryCode: e.CountryCode,
	}
	if e.StatusCode != 0 {
		attrs[FieldStatusCode] = strconv.Itoa(e.StatusCode)
	}
	return attrs
}
