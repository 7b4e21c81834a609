package waf

// GeoDB maps IPv4 addresses to their 2-letter ISO country codes. It backs
// the country_code derived attribute and webhook geo enrichment.
type GeoDB interface {
	PutGeoIPData(records []GeoIPDataRecord) error

	// GeoLookup returns the country code for an address, or "" when the
	// address is unknown.
	GeoLookup(ipAddr string) (countryCode string)
}

// GeoIPDataRecord is one inclusive IPv4 range in the geo data set.
type GeoIPDataRecord struct {
	StartIP     uint32 `json:"StartIP"`
	EndIP       uint32 `json:"EndIP"`
	CountryCode string `json:"CountryCode"`
}
