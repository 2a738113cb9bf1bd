package domain

// Header carries the transaction id and the two flags the overlay uses.
type Header struct {
	ID uint16
	QR bool // false = query, true = response
	RD bool // recursion desired
}

// NewResponseHeader returns the header of a response to the query header q.
func NewResponseHeader(q Header) Header {
	return Header{ID: q.ID, QR: true, RD: q.RD}
}
