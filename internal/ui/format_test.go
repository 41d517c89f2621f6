package ui

import (
	"strconv"
	"testing"
	"time"

	rtest "github.com/packrat/packrat/internal/test"
)

func TestFormatBytes(t *testing.T) {
	for want, size := range map[string]uint64{
		"0 B":          0,
		"512 B":        512,
		"1.000 KiB":    1 << 10,
		"1.500 KiB":    1536,
		"16.000 MiB":   16 << 20,
		"4.250 GiB":    4<<30 + 1<<28,
		"1023.000 GiB": 1023 << 30,
		"3.000 TiB":    3 << 40,
	} {
		rtest.Equals(t, want, FormatBytes(size))
	}
}

func TestFormatPercent(t *testing.T) {
	rtest.Equals(t, "", FormatPercent(1, 0))
	rtest.Equals(t, "0.00%", FormatPercent(0, 17))
	rtest.Equals(t, "25.00%", FormatPercent(1, 4))
	rtest.Equals(t, "66.67%", FormatPercent(2, 3))
	// repacked bytes can exceed the estimate
	rtest.Equals(t, "100.00%", FormatPercent(12, 10))
}

func TestFormatDuration(t *testing.T) {
	for _, c := range []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{999 * time.Millisecond, "0:00"},
		{59 * time.Second, "0:59"},
		{61 * time.Second, "1:01"},
		{59*time.Minute + 59*time.Second, "59:59"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
		{26 * time.Hour, "26:00:00"},
	} {
		rtest.Equals(t, c.want, FormatDuration(c.d))
	}
}

func TestParseBytes(t *testing.T) {
	for in, want := range map[string]int64{
		"0":                   0,
		"4096":                4096,
		"4096b":               4096,
		"16B":                 16,
		"4k":                  4 << 10,
		"64K":                 64 << 10,
		"16M":                 16 << 20,
		"128m":                128 << 20,
		"1G":                  1 << 30,
		"5g":                  5 << 30,
		"1T":                  1 << 40,
		"9223372036854775807": 1<<63 - 1,
	} {
		got, err := ParseBytes(in)
		rtest.OK(t, err)
		rtest.Equals(t, want, got)
	}
}

func TestParseBytesInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		" ",
		"M",
		"12X",
		"1.5G",
		"-",
		"18446744073709551615",
		"9007199254740992T",
		"99999999999999999999",
	} {
		v, err := ParseBytes(s)
		rtest.Assert(t, err != nil, "no error for invalid size %q", s)
		rtest.Equals(t, int64(0), v)
	}
}

func TestDisplayWidth(t *testing.T) {
	for in, want := range map[string]int{
		"":                0,
		"snapshot":        8,
		"café":            4,
		"a\uFEA4b":        3,
		"it\u2019s":       4,
		"データ":             6,
		"backup/\u65e5\u8a18": 11,
	} {
		rtest.Equals(t, want, DisplayWidth(in))
	}
}

func TestQuote(t *testing.T) {
	for _, in := range []string{
		"home/user/photos",
		"mañana_ü-ß",
		" padded ",
		"two words",
		`C:\Users\data`,
	} {
		rtest.Equals(t, in, Quote(in))
	}

	for _, in := range []string{
		"line\nbreak",
		"carriage\rreturn",
		"bell\a",
		"tab\there",
		"\xfe\xff",
		"\x1b[31mred",
	} {
		rtest.Equals(t, strconv.Quote(in), Quote(in))
	}
}

func TestTruncate(t *testing.T) {
	for _, c := range []struct {
		in    string
		width int
		want  string
	}{
		{"", 10, ""},
		{"", -3, ""},
		{"pack", 10, "pack"},
		{"pack", 4, "pack"},
		{"pack", 3, "pac"},
		{"pack", 0, ""},
		{"pack", -1, ""},
		{"Müller", 4, "Mül"},
		{"データ/index", 4, "デー"},
		{"データ/index", 5, "デー"},
		{"データ/index", 7, "データ/"},
	} {
		rtest.Equals(t, c.want, Truncate(c.in, c.width))
	}
}
