// Package ui formats sizes, durations and names for terminal output.
package ui

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/width"

	"github.com/packrat/packrat/internal/errors"
)

var binaryUnits = []string{"KiB", "MiB", "GiB", "TiB"}

// FormatBytes prints c with a binary unit and three decimals.
func FormatBytes(c uint64) string {
	if c < 1<<10 {
		return fmt.Sprintf("%d B", c)
	}
	shift := 10
	for shift < 10*len(binaryUnits) && c >= 1<<(shift+10) {
		shift += 10
	}
	return fmt.Sprintf("%.3f %s", float64(c)/float64(uint64(1)<<shift), binaryUnits[shift/10-1])
}

// FormatPercent formats numerator/denominator as a percentage capped at 100.
// It returns the empty string for a zero denominator.
func FormatPercent(numerator uint64, denominator uint64) string {
	if denominator == 0 {
		return ""
	}

	percent := min(100.0*float64(numerator)/float64(denominator), 100)
	return fmt.Sprintf("%3.2f%%", percent)
}

// FormatDuration formats d as M:SS, or H:MM:SS from one hour on.
func FormatDuration(d time.Duration) string {
	sec := uint64(d / time.Second)
	hours, sec := sec/3600, sec%3600
	mins, sec := sec/60, sec%60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, mins, sec)
	}
	return fmt.Sprintf("%d:%02d", mins, sec)
}

// ParseBytes parses a size such as "500", "12k" or "3G". The suffixes
// B, K, M, G and T stand for powers of 1024.
func ParseBytes(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("expected size, got empty string")
	}

	num, shift := s, 0
	if i := strings.IndexByte("bkmgt", byte(unicode.ToLower(rune(s[len(s)-1])))); i >= 0 {
		num, shift = s[:len(s)-1], 10*i
	}

	value, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, err
	}
	hi, lo := bits.Mul64(uint64(value), 1<<shift)
	if value < 0 || hi != 0 || int64(lo) < 0 {
		return 0, fmt.Errorf("ParseBytes: %q: %w", num, strconv.ErrRange)
	}
	return int64(lo), nil
}

// DisplayWidth returns the number of terminal cells needed to display s.
func DisplayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		case width.EastAsianNarrow, width.EastAsianHalfwidth, width.EastAsianAmbiguous, width.Neutral:
			n++
		}
	}
	return n
}

// Quote returns line quoted if it contains control characters or invalid
// UTF-8, and unchanged otherwise.
func Quote(line string) string {
	for _, r := range line {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return strconv.Quote(line)
		}
	}
	return line
}

// Truncate shortens s to at most w terminal cells. Ambiguous runes count as
// two cells.
func Truncate(s string, w int) string {
	if len(s) < w {
		return s
	}

	for i := 0; i < len(s); {
		size := 1
		w--
		if s[i] > unicode.MaxASCII {
			prop, n := width.LookupString(s[i:])
			if k := prop.Kind(); k != width.Neutral && k != width.EastAsianNarrow {
				w--
			}
			size = n
		}
		if w < 0 {
			return s[:i]
		}
		i += size
	}
	return s
}
