/*
controlnumber.go - Typed, human-readable control numbers

PURPOSE:
  A control number is the permanently-assigned identifier printed on
  labels and compliance paperwork. The text format must be reproduced
  exactly for compatibility with existing records:

    A-{SCOPE}-{YYYY}-{NNNNN}    plant
    CL-{SCOPE}-{YYYY}-{NNNNN}   clone
    H-{SCOPE}-{YYYY}-{NNNNN}    harvest
    EX-{YYYY}-{NNNNN}           extract (association-scoped, no scope tag)

  {NNNNN} is exactly five digits, zero-padded. {SCOPE} is the upper-case
  initials of the scope's display name with no separators. {YYYY} is the
  year at issuance time, not at display time.

INVARIANT:
  Format and Parse round-trip: parsing a formatted number reproduces the
  identical parts, and formatting those parts reproduces the string.

SEE ALSO:
  - sequence.go: allocates the sequence value and calls Format
*/
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ControlNumber is an opaque, globally-unique-per-scope identifier.
// Immutable once issued; never reused even if the owner is deleted.
type ControlNumber string

// NumberKind is the typed prefix of a control number.
type NumberKind string

const (
	KindPlant   NumberKind = "A"
	KindClone   NumberKind = "CL"
	KindHarvest NumberKind = "H"
	KindExtract NumberKind = "EX"
)

// Scoped reports whether numbers of this kind carry a scope tag.
// Extracts are numbered per association and carry none.
func (k NumberKind) Scoped() bool { return k != KindExtract }

// Counter returns the logical sequence counter backing this kind.
func (k NumberKind) Counter() CounterName {
	switch k {
	case KindPlant:
		return CounterPlants
	case KindClone:
		return CounterClones
	case KindHarvest:
		return CounterHarvests
	default:
		return CounterExtracts
	}
}

// ControlNumberParts is the decomposed form of a control number.
type ControlNumberParts struct {
	Kind     NumberKind
	Scope    string // empty for unscoped kinds
	Year     int
	Sequence int64
}

// FormatControlNumber renders parts into the canonical text form.
func FormatControlNumber(p ControlNumberParts) (ControlNumber, error) {
	if !validKind(p.Kind) {
		return "", fmt.Errorf("unknown control number kind %q", p.Kind)
	}
	if p.Kind.Scoped() && p.Scope == "" {
		return "", fmt.Errorf("%s control numbers require a scope tag", p.Kind)
	}
	if !p.Kind.Scoped() && p.Scope != "" {
		return "", fmt.Errorf("%s control numbers carry no scope tag", p.Kind)
	}
	if p.Sequence < 1 {
		return "", fmt.Errorf("sequence must be positive, got %d", p.Sequence)
	}
	if p.Kind.Scoped() {
		return ControlNumber(fmt.Sprintf("%s-%s-%04d-%05d", p.Kind, p.Scope, p.Year, p.Sequence)), nil
	}
	return ControlNumber(fmt.Sprintf("%s-%04d-%05d", p.Kind, p.Year, p.Sequence)), nil
}

// ParseControlNumber decomposes a control number back into its parts.
func ParseControlNumber(cn ControlNumber) (ControlNumberParts, error) {
	fields := strings.Split(string(cn), "-")

	var p ControlNumberParts
	switch len(fields) {
	case 3:
		p.Kind = NumberKind(fields[0])
		if p.Kind.Scoped() || !validKind(p.Kind) {
			return p, fmt.Errorf("malformed control number %q", cn)
		}
	case 4:
		p.Kind = NumberKind(fields[0])
		p.Scope = fields[1]
		if !validKind(p.Kind) || !p.Kind.Scoped() || !validScopeTag(p.Scope) {
			return p, fmt.Errorf("malformed control number %q", cn)
		}
	default:
		return p, fmt.Errorf("malformed control number %q", cn)
	}

	yearField := fields[len(fields)-2]
	seqField := fields[len(fields)-1]
	if len(yearField) != 4 || len(seqField) < 5 {
		return p, fmt.Errorf("malformed control number %q", cn)
	}

	year, err := strconv.Atoi(yearField)
	if err != nil {
		return p, fmt.Errorf("malformed control number %q: bad year", cn)
	}
	seq, err := strconv.ParseInt(seqField, 10, 64)
	if err != nil || seq < 1 {
		return p, fmt.Errorf("malformed control number %q: bad sequence", cn)
	}

	p.Year = year
	p.Sequence = seq
	return p, nil
}

// DeriveScopeTag computes the scope tag from a scope's display name:
// upper-cased initials of the whitespace-separated words, no separators.
// "Mountain Top" becomes "MT". The tag is captured at issuance time, so a
// later rename never changes already-issued numbers.
func DeriveScopeTag(displayName string) string {
	var b strings.Builder
	for _, word := range strings.Fields(displayName) {
		for _, r := range word {
			b.WriteRune(unicode.ToUpper(r))
			break
		}
	}
	return b.String()
}

func validKind(k NumberKind) bool {
	switch k {
	case KindPlant, KindClone, KindHarvest, KindExtract:
		return true
	}
	return false
}

func validScopeTag(tag string) bool {
	if tag == "" {
		return false
	}
	for _, r := range tag {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
