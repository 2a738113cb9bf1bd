package envelope

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	MarkerEncrypted = "encrypted"
	MarkerPlain     = "non-encrypted"
)

var ErrEnvelope = errors.New("malformed envelope")

// Wrap frames payload for the client-facing socket. When c is non-nil and
// secure is set the payload is sealed and marked "encrypted", otherwise it
// travels as "non-encrypted" plain text.
func Wrap(c Cipher, payload string, secure bool) ([]byte, error) {
	if !secure {
		return []byte(MarkerPlain + "\n" + payload), nil
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no cipher configured", ErrEnvelope)
	}
	sealed, err := c.Seal(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(MarkerEncrypted)+1+len(sealed))
	out = append(out, MarkerEncrypted...)
	out = append(out, '\n')
	return append(out, sealed...), nil
}

// Unwrap reverses Wrap and reports whether the payload was sealed.
func Unwrap(c Cipher, data []byte) (payload string, secure bool, err error) {
	marker, body, found := bytes.Cut(data, []byte("\n"))
	if !found {
		return "", false, fmt.Errorf("%w: missing marker line", ErrEnvelope)
	}
	switch string(bytes.TrimSpace(marker)) {
	case MarkerPlain:
		return string(body), false, nil
	case MarkerEncrypted:
		if c == nil {
			return "", true, fmt.Errorf("%w: no cipher configured", ErrEnvelope)
		}
		plain, err := c.Open(bytes.TrimSpace(body))
		if err != nil {
			return "", true, err
		}
		return plain, true, nil
	default:
		return "", false, fmt.Errorf("%w: unknown marker %q", ErrEnvelope, marker)
	}
}
