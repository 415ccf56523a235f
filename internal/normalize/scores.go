// Package normalize turns raw scraped fields into canonical records. Every
// parser is tolerant: a malformed field becomes null and is reported, it never
// discards the surrounding record.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	minWave  = 0.0
	maxWave  = 10.0
	maxTotal = 20.0
)

var (
	numberToken    = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)
	integerToken   = regexp.MustCompile(`\d+`)
	thousandsGroup = regexp.MustCompile(`(\d),(\d{3})\b`)
)

// ParseWaveScores extracts wave scores from a composite string such as
// "6.40 + 4.90". Segments are separated by '+' or '|', or by whitespace when
// neither separator is present. The first numeric token of each segment is
// kept; segments without a number or outside [0, 10] are dropped and reported
// through partial. An empty input yields no scores and no partial flag.
func ParseWaveScores(text string) ([]float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	var segments []string
	if strings.ContainsAny(text, "+|") {
		segments = strings.FieldsFunc(text, func(r rune) bool { return r == '+' || r == '|' })
	} else {
		segments = strings.Fields(text)
	}

	scores := make([]float64, 0, len(segments))
	partial := false
	for _, seg := range segments {
		v, ok := firstNumber(seg)
		if !ok || v < minWave || v > maxWave {
			partial = true
			continue
		}
		scores = append(scores, v)
	}
	if len(scores) == 0 {
		return nil, partial
	}
	return scores, partial
}

// ParseScore reads a heat total. ok is false when the text is present but not
// a usable score; an empty text returns nil and ok.
func ParseScore(text string) (*float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, true
	}
	v, found := firstNumber(text)
	if !found || v < 0 || v > maxTotal {
		return nil, false
	}
	return &v, true
}

// ParsePoints reads a points value, accepting thousands separators ("1,000 pts").
func ParsePoints(text string) (*float64, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, true
	}
	text = thousandsGroup.ReplaceAllString(text, "$1$2")
	v, found := firstNumber(text)
	if !found || v < 0 {
		return nil, false
	}
	return &v, true
}

// ParsePosition reads a placing such as "1", "1st", "=3" or "T5".
func ParsePosition(text string) (*int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, true
	}
	tok := integerToken.FindString(text)
	if tok == "" {
		return nil, false
	}
	v, err := strconv.Atoi(tok)
	if err != nil || v <= 0 {
		return nil, false
	}
	return &v, true
}

func firstNumber(text string) (float64, bool) {
	tok := numberToken.FindString(text)
	if tok == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(tok, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
