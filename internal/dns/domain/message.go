package domain

import "fmt"

// Message is one overlay exchange unit: a header, a single question and the
// three record sections. A query carries no records.
type Message struct {
	Header     Header
	Question   Question
	Answers    []ResourceRecord
	Authority  []ResourceRecord
	Additional []ResourceRecord
}

// NewQuery builds a query message for q.
func NewQuery(id uint16, q Question, recursionDesired bool) Message {
	return Message{
		Header:   Header{ID: id, QR: false, RD: recursionDesired},
		Question: q,
	}
}

// NewResponse starts the response to query: same id and question, QR set,
// empty sections.
func NewResponse(query Message) Message {
	return Message{
		Header:   NewResponseHeader(query.Header),
		Question: query.Question,
	}
}

// IsQuery reports whether the QR flag marks m as a query.
func (m Message) IsQuery() bool {
	return !m.Header.QR
}

// RecordCount returns the number of records across all sections.
func (m Message) RecordCount() int {
	return len(m.Answers) + len(m.Authority) + len(m.Additional)
}

// Records returns every record in section order: answers, authority, additional.
func (m Message) Records() []ResourceRecord {
	out := make([]ResourceRecord, 0, m.RecordCount())
	out = append(out, m.Answers...)
	out = append(out, m.Authority...)
	return append(out, m.Additional...)
}

// Validate enforces the structural invariants of a message.
func (m Message) Validate() error {
	if m.Question.Name == "" {
		return fmt.Errorf("message question name must not be empty")
	}
	if m.IsQuery() && m.RecordCount() > 0 {
		return fmt.Errorf("query message must not carry records")
	}
	sections := []struct {
		name    string
		records []ResourceRecord
	}{
		{"answer", m.Answers},
		{"authority", m.Authority},
		{"additional", m.Additional},
	}
	for _, s := range sections {
		for i, rr := range s.records {
			if err := rr.Validate(); err != nil {
				return fmt.Errorf("invalid %s record at index %d: %w", s.name, i, err)
			}
		}
	}
	return nil
}
