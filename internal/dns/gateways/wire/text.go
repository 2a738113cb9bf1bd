package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haukened/rr-overlay/internal/dns/domain"
)

const (
	lineSep  = "\n"
	fieldSep = ";"

	failurePrefix = "[ERROR] "
)

// Encode renders msg in the text format. Encode does not validate msg.
func Encode(msg domain.Message) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(msg.Header.ID), 10))
	b.WriteString(lineSep)
	b.WriteString(flag(msg.Header.QR))
	b.WriteString(lineSep)
	b.WriteString(flag(msg.Header.RD))
	b.WriteString(lineSep)
	b.WriteString(EncodeQuestion(msg.Question))
	b.WriteString(lineSep)
	fmt.Fprintf(&b, "%d;%d;%d", len(msg.Answers), len(msg.Authority), len(msg.Additional))
	for _, rr := range msg.Records() {
		b.WriteString(lineSep)
		fmt.Fprintf(&b, "%s;%d;%d;%d;%s", rr.Name, uint16(rr.Type), uint16(rr.Class), rr.TTL, rr.RData)
	}
	return b.String()
}

// EncodeQuestion renders q as "qname;QTYPE;QCLASS".
func EncodeQuestion(q domain.Question) string {
	return q.Name + fieldSep + q.Type.String() + fieldSep + q.Class.String()
}

// Decode parses text produced by Encode. All failures wrap domain.ErrDecode.
// The question name is taken verbatim so that Decode(Encode(m)) equals m.
func Decode(text string) (domain.Message, error) {
	lines := splitLines(text)
	if len(lines) < MinMessageLines {
		return domain.Message{}, decodeErr("expected at least %d lines, got %d", MinMessageLines, len(lines))
	}

	header, err := decodeHeader(lines)
	if err != nil {
		return domain.Message{}, err
	}

	q, err := parseQuestion(lines[3])
	if err != nil {
		return domain.Message{}, err
	}

	counts, err := decodeCounts(lines[4], len(lines)-MinMessageLines)
	if err != nil {
		return domain.Message{}, err
	}

	records := lines[MinMessageLines:]
	total := counts[0] + counts[1] + counts[2]
	if len(records) != total {
		return domain.Message{}, decodeErr("counts announce %d records, found %d", total, len(records))
	}

	sections := make([][]domain.ResourceRecord, 3)
	offset := 0
	for i, n := range counts {
		if n == 0 {
			continue
		}
		sections[i] = make([]domain.ResourceRecord, 0, n)
		for _, line := range records[offset : offset+n] {
			rr, err := decodeRecord(line)
			if err != nil {
				return domain.Message{}, err
			}
			sections[i] = append(sections[i], rr)
		}
		offset += n
	}

	return domain.Message{
		Header:     header,
		Question:   q,
		Answers:    sections[0],
		Authority:  sections[1],
		Additional: sections[2],
	}, nil
}

// DecodeQuestion parses "qname;qtype;qclass" and canonicalizes the name.
func DecodeQuestion(text string) (domain.Question, error) {
	q, err := parseQuestion(strings.TrimSpace(text))
	if err != nil {
		return domain.Question{}, err
	}
	q, err = domain.NewQuestion(q.Name, q.Type, q.Class)
	if err != nil {
		return domain.Question{}, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return q, nil
}

// ValidateReply is the structural check applied to replies received over
// UDP: either a single failure line with a reason, or header lines that are
// present and parse, with counts no larger than the records that follow. It
// fails with domain.ErrValidation.
func ValidateReply(text string) error {
	if reason, ok := ParseFailure(text); ok {
		if strings.TrimSpace(reason) == "" || strings.Contains(strings.TrimSpace(text), lineSep) {
			return fmt.Errorf("%w: malformed failure reply", domain.ErrValidation)
		}
		return nil
	}
	lines := splitLines(text)
	if len(lines) < MinMessageLines {
		return fmt.Errorf("%w: reply has %d lines, need %d", domain.ErrValidation, len(lines), MinMessageLines)
	}
	if _, err := decodeHeader(lines); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if _, err := decodeCounts(lines[4], len(lines)-MinMessageLines); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// EncodeFailure renders the single line a nameserver sends when it has no
// answer: "[ERROR] <reason>".
func EncodeFailure(err error) string {
	reason := "unknown failure"
	var f *domain.Failure
	switch {
	case errors.As(err, &f) && f.Reason != "":
		reason = f.Reason
	case err != nil:
		reason = err.Error()
	}
	return failurePrefix + strings.ReplaceAll(reason, lineSep, " ")
}

// ParseFailure reports whether text is a failure reply and returns its reason.
func ParseFailure(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, failurePrefix) {
		return "", false
	}
	return strings.TrimPrefix(text, failurePrefix), true
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\r\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, lineSep)
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrDecode, fmt.Sprintf(format, args...))
}

func decodeHeader(lines []string) (domain.Header, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 16)
	if err != nil {
		return domain.Header{}, decodeErr("invalid id %q", lines[0])
	}
	qr, err := parseFlag(lines[1])
	if err != nil {
		return domain.Header{}, decodeErr("invalid qr flag %q", lines[1])
	}
	rd, err := parseFlag(lines[2])
	if err != nil {
		return domain.Header{}, decodeErr("invalid rd flag %q", lines[2])
	}
	return domain.Header{ID: uint16(id), QR: qr, RD: rd}, nil
}

func parseFlag(s string) (bool, error) {
	switch strings.TrimSpace(s) {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, errors.New("flag must be 0 or 1")
	}
}

func parseQuestion(line string) (domain.Question, error) {
	parts := strings.Split(line, fieldSep)
	if len(parts) != 3 {
		return domain.Question{}, decodeErr("question needs 3 fields, got %d", len(parts))
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return domain.Question{}, decodeErr("empty question name")
	}
	t := domain.RRTypeFromString(parts[1])
	if !t.IsValid() {
		return domain.Question{}, decodeErr("unknown type %q", parts[1])
	}
	c := domain.ParseRRClass(parts[2])
	if !c.IsValid() {
		return domain.Question{}, decodeErr("unknown class %q", parts[2])
	}
	return domain.Question{Name: name, Type: t, Class: c}, nil
}

// decodeCounts parses "an;ns;ar". Each count is bounded by limit, the number of
// record lines present, so the sum cannot overflow.
func decodeCounts(line string, limit int) ([3]int, error) {
	var counts [3]int
	parts := strings.Split(line, fieldSep)
	if len(parts) != 3 {
		return counts, decodeErr("counts line needs 3 fields, got %d", len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return counts, decodeErr("invalid count %q", p)
		}
		if n > limit {
			return counts, decodeErr("count %d exceeds the %d record lines present", n, limit)
		}
		counts[i] = n
	}
	return counts, nil
}

func decodeRecord(line string) (domain.ResourceRecord, error) {
	parts := strings.SplitN(line, fieldSep, 5)
	if len(parts) != 5 {
		return domain.ResourceRecord{}, decodeErr("record needs 5 fields, got %d", len(parts))
	}
	t, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return domain.ResourceRecord{}, decodeErr("invalid record type %q", parts[1])
	}
	c, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return domain.ResourceRecord{}, decodeErr("invalid record class %q", parts[2])
	}
	ttl, err := strconv.ParseUint(parts[3], 10, 32)
	if err != nil {
		return domain.ResourceRecord{}, decodeErr("invalid ttl %q", parts[3])
	}
	rr := domain.ResourceRecord{
		Name:  parts[0],
		Type:  domain.RRType(t),
		Class: domain.RRClass(c),
		TTL:   uint32(ttl),
		RData: parts[4],
	}
	if err := rr.Validate(); err != nil {
		return domain.ResourceRecord{}, decodeErr("%v", err)
	}
	return rr, nil
}
