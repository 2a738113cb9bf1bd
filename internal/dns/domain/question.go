package domain

import (
	"fmt"

	"github.com/haukened/rr-overlay/internal/dns/common/utils"
)

// Question is the (qname, qtype, qclass) triple being resolved.
type Question struct {
	Name  string
	Type  RRType
	Class RRClass
}

// NewQuestion canonicalizes name and validates the triple.
func NewQuestion(name string, rrtype RRType, class RRClass) (Question, error) {
	q := Question{
		Name:  utils.CanonicalDNSName(name),
		Type:  rrtype,
		Class: class,
	}
	if err := q.Validate(); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Validate checks whether the Question fields are structurally and semantically valid.
func (q Question) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("query name must not be empty")
	}
	if !q.Type.IsValid() {
		return fmt.Errorf("unsupported RRType: %d", q.Type)
	}
	if !q.Class.IsValid() {
		return fmt.Errorf("unsupported RRClass: %d", q.Class)
	}
	return nil
}

// CacheKey returns the record-store key for the question.
func (q Question) CacheKey() string {
	return GenerateCacheKey(q.Name, q.Type, q.Class)
}

func (q Question) String() string {
	return fmt.Sprintf("%s %s %s", q.Name, q.Class, q.Type)
}

// GenerateCacheKey derives the store key shared by questions and records.
// Format: "apex|name|TYPE|CLASS", with the name canonicalized first so that
// "Example.COM" and "example.com." collide. The apex prefix keeps every key of a
// registrable domain adjacent in ordered stores.
func GenerateCacheKey(name string, t RRType, c RRClass) string {
	name = utils.CanonicalDNSName(name)
	return utils.GetApexDomain(name) + "|" + name + "|" + t.String() + "|" + c.String()
}
