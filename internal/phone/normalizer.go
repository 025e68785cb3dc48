package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrUnparseable is returned when a raw number matches none of the accepted shapes.
var ErrUnparseable = errors.New("unparseable phone number")

// Rule describes the national numbering plan used to canonicalize numbers.
type Rule struct {
	CountryCode    string `koanf:"country_code"`
	TrunkPrefix    string `koanf:"trunk_prefix"`
	NationalLength int    `koanf:"national_length"`
	Region         string `koanf:"region"`
}

// Ecuador is the default numbering plan (+593, trunk 0, 9-digit mobiles).
var Ecuador = Rule{CountryCode: "593", TrunkPrefix: "0", NationalLength: 9, Region: "EC"}

// Normalizer turns free-form input into "+<cc><national>".
type Normalizer struct {
	rule Rule
}

func NewNormalizer(rule Rule) *Normalizer {
	if rule.CountryCode == "" {
		rule = Ecuador
	}
	return &Normalizer{rule: rule}
}

// Normalize strips every non-digit and maps the remaining digits onto the
// canonical form. It is pure: the same input always yields the same output.
func (n *Normalizer) Normalize(raw string) (string, error) {
	digits := digitsOnly(raw)
	r := n.rule

	switch {
	case strings.HasPrefix(digits, r.CountryCode) && len(digits) == len(r.CountryCode)+r.NationalLength:
		return "+" + digits, nil
	case r.TrunkPrefix != "" && strings.HasPrefix(digits, r.TrunkPrefix) && len(digits) == len(r.TrunkPrefix)+r.NationalLength:
		return "+" + r.CountryCode + digits[len(r.TrunkPrefix):], nil
	case len(digits) == r.NationalLength && (r.TrunkPrefix == "" || !strings.HasPrefix(digits, r.TrunkPrefix)):
		return "+" + r.CountryCode + digits, nil
	}
	return "", ErrUnparseable
}

// Display renders a normalized number in international notation, e.g.
// "+593 98 765 4321". Unknown numbers are returned untouched.
func (n *Normalizer) Display(e164 string) string {
	parsed, err := phonenumbers.Parse(e164, n.rule.Region)
	if err != nil {
		return e164
	}
	return phonenumbers.Format(parsed, phonenumbers.INTERNATIONAL)
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
