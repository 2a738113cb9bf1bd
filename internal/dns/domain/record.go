package domain

import (
	"fmt"
	"strings"
)

// ResourceRecord is a single name -> value fact. RData is the textual
// presentation of the value (an address for A, a host name for CNAME, ...).
// Two records are the same cache entry when CacheKey matches; TTL and RData
// may differ between refreshes.
type ResourceRecord struct {
	Name  string
	Type  RRType
	Class RRClass
	TTL   uint32
	RData string
}

// NewResourceRecord constructs a ResourceRecord and validates its fields.
func NewResourceRecord(name string, rrtype RRType, class RRClass, ttl uint32, rdata string) (ResourceRecord, error) {
	rr := ResourceRecord{
		Name:  name,
		Type:  rrtype,
		Class: class,
		TTL:   ttl,
		RData: rdata,
	}
	if err := rr.Validate(); err != nil {
		return ResourceRecord{}, err
	}
	return rr, nil
}

// Validate checks the fields the codec and the store rely on. Record types
// outside the question enumeration are allowed, since upstream answers may
// carry them.
func (rr ResourceRecord) Validate() error {
	if rr.Name == "" {
		return fmt.Errorf("record name must not be empty")
	}
	if rr.Type == 0 {
		return fmt.Errorf("record type must not be zero")
	}
	if rr.Class == 0 {
		return fmt.Errorf("record class must not be zero")
	}
	if strings.ContainsAny(rr.RData, "\r\n") {
		return fmt.Errorf("record data must be a single line")
	}
	return nil
}

// CacheKey returns a cache key string derived from the record's name, type, and class.
func (rr ResourceRecord) CacheKey() string {
	return GenerateCacheKey(rr.Name, rr.Type, rr.Class)
}

// String renders the record in presentation order: name ttl class type rdata.
func (rr ResourceRecord) String() string {
	return fmt.Sprintf("%s %d %s %s %s", rr.Name, rr.TTL, rr.Class, rr.Type, rr.RData)
}
