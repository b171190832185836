// Package cve provides the CVE record model published in the cvelistV5 corpus,
// along with parsers for its identifiers and timestamps.
package cve

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidID is returned when a string does not follow the CVE-YYYY-NNNN grammar.
var ErrInvalidID = errors.New("invalid CVE identifier")

const (
	idPrefix = "CVE-"

	yearDigits   = 4
	minSeqDigits = 4
	maxSeqDigits = 19
)

// ID is a parsed CVE identifier.
//
// The width of the sequence number is kept so that String reproduces the parsed value,
// including any leading zeros.
type ID struct {
	Year uint16
	Seq  uint64

	width int
}

// NewID returns an ID with the canonical minimum sequence width.
func NewID(year uint16, seq uint64) ID {
	return ID{Year: year, Seq: seq}
}

// ParseID parses raw as a CVE identifier.
//
// raw must be "CVE-", followed by exactly 4 ASCII digits, "-" and 4 to 19 ASCII digits.
func ParseID(raw string) (ID, error) {
	rest, ok := strings.CutPrefix(raw, idPrefix)
	if !ok {
		return ID{}, fmt.Errorf("%w %q: missing %q prefix", ErrInvalidID, raw, idPrefix)
	}

	year, seq, ok := strings.Cut(rest, "-")
	if !ok {
		return ID{}, fmt.Errorf("%w %q: missing sequence separator", ErrInvalidID, raw)
	}
	if len(year) != yearDigits || !isDigits(year) {
		return ID{}, fmt.Errorf("%w %q: year must contain %d digits", ErrInvalidID, raw, yearDigits)
	}
	if len(seq) < minSeqDigits || len(seq) > maxSeqDigits || !isDigits(seq) {
		return ID{}, fmt.Errorf("%w %q: sequence must contain %d to %d digits", ErrInvalidID, raw, minSeqDigits, maxSeqDigits)
	}

	y, err := strconv.ParseUint(year, 10, 16)
	if err != nil {
		return ID{}, fmt.Errorf("%w %q: %v", ErrInvalidID, raw, err)
	}
	// 19 digits always fit in an uint64.
	s, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w %q: %v", ErrInvalidID, raw, err)
	}

	return ID{Year: uint16(y), Seq: s, width: len(seq)}, nil
}

// String returns the identifier in its CVE-YYYY-NNNN form.
func (id ID) String() string {
	return fmt.Sprintf("%s%04d-%0*d", idPrefix, id.Year, max(id.width, minSeqDigits), id.Seq)
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// isDigits reports whether s is only made of ASCII digits.
func isDigits(s string) bool {
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
