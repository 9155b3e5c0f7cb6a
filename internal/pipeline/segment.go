package pipeline

import (
	"strings"
	"unicode/utf8"
)

// Segment breaks input text into renderable units at sentence-or-clause
// granularity so audio can start streaming before the whole text is
// processed. Delimiters stay attached to the unit they end; fragments shorter
// than minRunes are merged into the next unit so the backend never sees
// one-word scraps.
func Segment(text string, minRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var raw []string
	var b strings.Builder
	for _, r := range text {
		switch r {
		case '.', '!', '?', ';', ':', '\n':
			if r != '\n' {
				b.WriteRune(r)
			}
			if unit := strings.TrimSpace(b.String()); unit != "" {
				raw = append(raw, unit)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if unit := strings.TrimSpace(b.String()); unit != "" {
		raw = append(raw, unit)
	}

	if minRunes <= 0 {
		return raw
	}

	// Merge short fragments forward.
	var units []string
	carry := ""
	for _, unit := range raw {
		if carry != "" {
			unit = carry + " " + unit
			carry = ""
		}
		if utf8.RuneCountInString(unit) < minRunes {
			carry = unit
			continue
		}
		units = append(units, unit)
	}
	if carry != "" {
		if len(units) > 0 {
			units[len(units)-1] += " " + carry
		} else {
			units = append(units, carry)
		}
	}
	return units
}
