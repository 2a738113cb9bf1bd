// Package wire implements the line-oriented text format exchanged between the
// resolver and the nameservers.
//
// A message is encoded as newline separated lines:
//
//	id
//	qr            (0 = query, 1 = response)
//	rd            (0 | 1)
//	qname;QTYPE;QCLASS
//	an;ns;ar      (record counts per section)
//	name;type-code;class-code;ttl;rdata   (one line per record)
//
// Records appear in answer, authority, additional order.
package wire

import (
	"github.com/haukened/rr-overlay/internal/dns/common/log"
	"github.com/haukened/rr-overlay/internal/dns/domain"
)

// MinMessageLines is the number of lines every well-formed message carries
// before its records: id, qr, rd, question and counts.
const MinMessageLines = 5

// Codec converts messages to and from the overlay text format.
type Codec interface {
	Encode(msg domain.Message) string
	Decode(text string) (domain.Message, error)
	EncodeFailure(err error) string
}

type textCodec struct {
	logger log.Logger
}

var _ Codec = (*textCodec)(nil)

// NewTextCodec returns the Codec used by both daemons. Decode failures are
// logged at debug level through logger.
func NewTextCodec(logger log.Logger) Codec {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &textCodec{logger: logger}
}

func (c *textCodec) Encode(msg domain.Message) string {
	return Encode(msg)
}

func (c *textCodec) Decode(text string) (domain.Message, error) {
	msg, err := Decode(text)
	if err != nil {
		c.logger.Debug(map[string]any{
			"error": err,
			"bytes": len(text),
		}, "failed to decode message")
	}
	return msg, err
}

func (c *textCodec) EncodeFailure(err error) string {
	return EncodeFailure(err)
}
