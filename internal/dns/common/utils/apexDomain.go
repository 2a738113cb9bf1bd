package utils

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// GetApexDomain returns the registrable domain (eTLD+1) of name in canonical
// form. Names publicsuffix cannot reduce are returned canonicalized as-is.
func GetApexDomain(name string) string {
	name = CanonicalDNSName(name)
	bare := strings.TrimSuffix(name, ".")
	if bare == "" {
		return name
	}
	apex, err := publicsuffix.EffectiveTLDPlusOne(bare)
	if err != nil {
		return name
	}
	return apex + "."
}
