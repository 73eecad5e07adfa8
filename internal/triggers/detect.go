// Package triggers implements the detection and substitution rules
// shared by offers, actions, upsells, recovery and the start sequence:
// case-insensitive containment matching, the 70%-of-length substitution
// rule, and PIX generation on match.
package triggers

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ivyrail/conductor/internal/model"
)

// ContainsCaseInsensitive reports whether needle appears anywhere in
// haystack regardless of case.
func ContainsCaseInsensitive(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// FirstMatch returns the first candidate (in caller order, i.e. config
// order) that appears in text, case-insensitively.
func FirstMatch(text string, candidates []string) (matched string, ok bool) {
	for _, c := range candidates {
		if ContainsCaseInsensitive(text, c) {
			return c, true
		}
	}
	return "", false
}

// substitutionMaxLen and substitutionRatio implement the substitution
// rule: replace the AI message when the mention is >=70% of total
// length and total length is under 50 chars, otherwise append.
const (
	substitutionMaxLen = 50
	substitutionRatio  = 0.7
)

// ApplySubstitution decides whether a detected mention of matchedTerm
// should suppress the LLM's own text (the pitch block carries the
// whole reply) or be appended alongside it.
func ApplySubstitution(aiText, matchedTerm string) (suppressed bool) {
	if len([]rune(aiText)) >= substitutionMaxLen {
		return false
	}
	if len([]rune(aiText)) == 0 {
		return false
	}
	ratio := float64(len([]rune(matchedTerm))) / float64(len([]rune(aiText)))
	return ratio >= substitutionRatio
}

// discountAmountPattern captures the digits after a discount term,
// tolerating both "," and "." as the decimal separator and an optional
// cents part, e.g. "desconto20", "desconto 19,90", "desconto 19.9".
var discountAmountPattern = regexp.MustCompile(`\s*(\d+(?:[.,]\d{1,2})?)`)

// ParseDiscountAmount matches `{term}{amount}` case-insensitively,
// permitting the pattern to be embedded anywhere in text, e.g.
// "vou liberar desconto19,90 pra você" with term "desconto" yields
// R$19.90. The parsed amount is what the negotiated PIX charge is
// opened for, replacing the offer's list price.
func ParseDiscountAmount(text, term, currency string) (amount model.Money, found bool) {
	if term == "" {
		return model.Money{}, false
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(term) + discountAmountPattern.String())
	if err != nil {
		return model.Money{}, false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return model.Money{}, false
	}
	cents, ok := parseCents(m[1])
	if !ok {
		return model.Money{}, false
	}
	return model.Money{AmountCents: cents, Currency: currency}, true
}

// parseCents converts a user-typed decimal amount like "20", "19,90" or
// "19.9" into integer cents.
func parseCents(raw string) (int64, bool) {
	raw = strings.Replace(raw, ",", ".", 1)
	whole, frac, hasFrac := strings.Cut(raw, ".")
	wholeVal, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	var fracCents int64
	if hasFrac {
		switch len(frac) {
		case 1:
			fracCents, err = strconv.ParseInt(frac+"0", 10, 64)
		case 2:
			fracCents, err = strconv.ParseInt(frac, 10, 64)
		default:
			return 0, false
		}
		if err != nil {
			return 0, false
		}
	}
	return wholeVal*100 + fracCents, true
}
