// Package normalize turns the human-readable fields scraped off listing pages into canonical values.
//
// The time and location parsers share one token heuristic: a detail block ends either with a relative
// phrase ("< 5 minutes ago", "3 hours ago") or with a single day/month/year token, and whatever comes
// before it is the location. The heuristic is brittle by nature; it follows the markup of the supported
// classifieds site and nothing more.
package normalize

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/listingwatch/internal/watch"
)

const (
	fieldPostedAt = "postedAt"

	newCarMarker = "NEW CAR"
	agoToken     = "ago"
	// lessThanToken is the optional "<" the site prints in front of the magnitude.
	lessThanToken = "<"
)

var (
	// ErrNoTimePhrase is wrapped by the ParseError returned when a block carries neither phrase form.
	ErrNoTimePhrase = errors.New("no time phrase")
	// ErrBadMagnitude is wrapped when the number in front of the unit is not an integer or is too large
	// to measure back from now.
	ErrBadMagnitude = errors.New("magnitude is not a usable integer")
	// ErrBadDate is wrapped when the trailing token is not a valid day/month/year date.
	ErrBadDate = errors.New("invalid day/month/year date")
)

type phraseKind int

const (
	phraseNone phraseKind = iota
	phraseRelative
	phraseAbsolute
)

// ParseTime converts the trailing time phrase of a detail block into epoch milliseconds.
// Relative phrases are measured back from now; absolute dates resolve to midnight UTC.
func ParseTime(text string, now time.Time) (int64, error) {
	tokens := strings.Fields(text)
	kind, size := trailingPhrase(tokens)
	switch kind {
	case phraseRelative:
		n := len(tokens)
		unit := strings.ToLower(tokens[n-2])
		magnitude, err := parseMagnitude(tokens[n-3])
		if err != nil {
			return 0, &watch.ParseError{Field: fieldPostedAt, Input: text, Err: err}
		}
		step := time.Hour
		if unit == "minute" || unit == "minutes" {
			step = time.Minute
		}
		if magnitude > math.MaxInt64/int64(step) {
			return 0, &watch.ParseError{Field: fieldPostedAt, Input: text, Err: ErrBadMagnitude}
		}
		return now.Add(-time.Duration(magnitude) * step).UnixMilli(), nil
	case phraseAbsolute:
		ts, err := parseDate(tokens[len(tokens)-size])
		if err != nil {
			return 0, &watch.ParseError{Field: fieldPostedAt, Input: text, Err: err}
		}
		return ts.UnixMilli(), nil
	default:
		return 0, &watch.ParseError{Field: fieldPostedAt, Input: text, Err: ErrNoTimePhrase}
	}
}

// ParseLocation strips the "NEW CAR" marker and the trailing time phrase, returning what is left.
// A block without a recognizable time phrase keeps all of its tokens.
func ParseLocation(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) >= 2 && tokens[0]+" "+tokens[1] == newCarMarker {
		tokens = tokens[2:]
	}
	_, size := trailingPhrase(tokens)
	return strings.Join(tokens[:len(tokens)-size], " ")
}

// CleanText folds compatibility characters, trims every line, collapses inner whitespace runs and drops
// blank lines.
func CleanText(raw string) string {
	folded := norm.NFKC.String(raw)
	lines := strings.Split(folded, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// trailingPhrase reports which time phrase ends tokens and how many tokens it spans.
func trailingPhrase(tokens []string) (phraseKind, int) {
	n := len(tokens)
	if n == 0 {
		return phraseNone, 0
	}
	last := tokens[n-1]
	if strings.EqualFold(last, agoToken) && n >= 3 {
		size := 3
		if n >= 4 && tokens[n-4] == lessThanToken {
			size = 4
		}
		return phraseRelative, size
	}
	if strings.Count(last, "/") == 2 {
		return phraseAbsolute, 1
	}
	return phraseNone, 0
}

func parseMagnitude(token string) (int64, error) {
	trimmed := strings.TrimFunc(token, func(r rune) bool { return !unicode.IsDigit(r) })
	if trimmed == "" {
		return 0, ErrBadMagnitude
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, ErrBadMagnitude
	}
	return v, nil
}

func parseDate(token string) (time.Time, error) {
	parts := strings.Split(strings.Trim(token, ".,;()"), "/")
	if len(parts) != 3 {
		return time.Time{}, ErrBadDate
	}
	nums := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, ErrBadDate
		}
		nums[i] = v
	}
	day, month, year := nums[0], nums[1], nums[2]
	ts := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (31/02 -> 03/03); reject it instead.
	if ts.Day() != day || int(ts.Month()) != month || ts.Year() != year {
		return time.Time{}, ErrBadDate
	}
	return ts, nil
}
