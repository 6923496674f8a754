// Package ticket provides formatting and parsing of ticket numbers.
//
// A ticket number identifies an accepted incident report. It is unique,
// human readable and scoped to a calendar year:
//
//	VMC-2026-000047
//
// The counter part is issued by the server-side allocator and is strictly
// increasing within a year.
package ticket

import (
	"fmt"
	"regexp"
	"strconv"
)

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "VMC"

// counterDigits is the zero-padded width of the counter part.
const counterDigits = 6

var ticketRe = regexp.MustCompile(`^([A-Z][A-Z0-9]{1,9})-(\d{4})-(\d{6,})$`)

// Number is a parsed ticket number.
type Number struct {
	Prefix  string
	Year    int
	Counter int64
}

// Format renders a ticket number from its parts.
// Counters wider than six digits are rendered without truncation.
func Format(prefix string, year int, counter int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", prefix, year, counterDigits, counter)
}

// String renders the number in wire format.
func (n Number) String() string {
	return Format(n.Prefix, n.Year, n.Counter)
}

// Parse parses a ticket number string.
// Returns an error if the string does not match <PREFIX>-<year>-<counter>.
func Parse(s string) (Number, error) {
	m := ticketRe.FindStringSubmatch(s)
	if m == nil {
		return Number{}, fmt.Errorf("invalid ticket number %q", s)
	}

	year, err := strconv.Atoi(m[2])
	if err != nil {
		return Number{}, fmt.Errorf("invalid ticket year in %q: %w", s, err)
	}

	counter, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Number{}, fmt.Errorf("invalid ticket counter in %q: %w", s, err)
	}
	if counter < 1 {
		return Number{}, fmt.Errorf("invalid ticket counter in %q: must be positive", s)
	}

	return Number{Prefix: m[1], Year: year, Counter: counter}, nil
}
