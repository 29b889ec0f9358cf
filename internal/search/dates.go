package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date at year, month or day granularity. Month and Day
// are zero when unspecified (`2022` covers the whole year, `2022-03` the
// whole month).
type Date struct {
	Year, Month, Day int
}

func (d Date) String() string {
	switch {
	case d.Month == 0:
		return strconv.Itoa(d.Year)
	case d.Day == 0:
		return fmt.Sprintf("%d-%d", d.Year, d.Month)
	default:
		return fmt.Sprintf("%d-%d-%d", d.Year, d.Month, d.Day)
	}
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d.Year == 0 }

// lower returns the first day the date covers.
func (d Date) lower() Date {
	out := d
	if out.Month == 0 {
		out.Month = 1
	}
	if out.Day == 0 {
		out.Day = 1
	}
	return out
}

// upper returns the last day the date covers. Month lengths are generous
// (every February may have 29 days); the buckets for days that do not exist
// simply match nothing.
func (d Date) upper() Date {
	out := d
	if out.Month == 0 {
		out.Month = 12
	}
	if out.Day == 0 {
		out.Day = monthLen[out.Month]
	}
	return out
}

func (d Date) before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) beforeOrEqual(o Date) bool { return !o.before(d) }

// Month lengths for the bucket walk, assuming any year could be a leap
// year. Index 13 allows month wraparound during advancement.
var monthLen = [...]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31, 31}

func (d *Date) normalize() {
	if d.Day > monthLen[d.Month] {
		d.Day -= monthLen[d.Month]
		d.Month++
	}
	if d.Month > 12 {
		d.Month -= 12
		d.Year++
	}
}

// DateBuckets returns the bucket terms a message timestamp is indexed
// under: its year, year-month and year-month-day, in the unpadded form the
// query expansion produces.
func DateBuckets(ts time.Time) []string {
	ts = ts.UTC()
	y, m, d := ts.Year(), int(ts.Month()), ts.Day()
	return []string{
		fmt.Sprintf("year:%d", y),
		fmt.Sprintf("date:%d-%d", y, m),
		fmt.Sprintf("date:%d-%d-%d", y, m, d),
	}
}

// ExpandRange expands an inclusive date range into the smallest covering
// set of bucket terms, walking whole years, then whole months, then single
// days.
func ExpandRange(start, end Date) []string {
	cur := start.lower()
	last := end.upper()
	var terms []string
	for cur.beforeOrEqual(last) {
		// Swallow a whole year?
		if cur.Month == 1 && cur.Day == 1 {
			yearEnd := Date{cur.Year, 12, 31}
			if yearEnd.beforeOrEqual(last) {
				terms = append(terms, fmt.Sprintf("year:%d", cur.Year))
				cur = Date{cur.Year + 1, 1, 1}
				continue
			}
		}
		// A whole month?
		if cur.Day == 1 {
			monthEnd := Date{cur.Year, cur.Month, monthLen[cur.Month]}
			if monthEnd.beforeOrEqual(last) {
				terms = append(terms, fmt.Sprintf("date:%d-%d", cur.Year, cur.Month))
				cur.Month++
				cur.normalize()
				continue
			}
		}
		terms = append(terms, fmt.Sprintf("date:%d-%d-%d", cur.Year, cur.Month, cur.Day))
		cur.Day++
		cur.normalize()
	}
	return terms
}

// Relative date offsets in days, following the original keyword forms:
// 7d, 2w, 3m, 1q, 1y, today, yesterday. Months and quarters are generous.
var dateOffsets = map[byte]int{'d': 1, 'w': 7, 'm': 31, 'q': 92, 'y': 366}

// parseDatePoint parses one endpoint of a date expression. Absolute forms
// are YYYY, YYYY-MM and YYYY-MM-DD; relative forms count back from now.
// Returns ok=false when the text is not recognizably a date.
func parseDatePoint(text string, now time.Time) (Date, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	switch text {
	case "today":
		return dateOf(now), true
	case "yesterday":
		return dateOf(now.AddDate(0, 0, -1)), true
	}

	if len(text) >= 2 {
		if off, ok := dateOffsets[text[len(text)-1]]; ok {
			if n, err := strconv.Atoi(text[:len(text)-1]); err == nil && n >= 0 {
				return dateOf(now.AddDate(0, 0, -n*off)), true
			}
		}
	}

	parts := strings.Split(text, "-")
	if len(parts) > 3 {
		return Date{}, false
	}
	var d Date
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Date{}, false
		}
		switch i {
		case 0:
			if len(p) != 4 {
				return Date{}, false
			}
			d.Year = n
		case 1:
			if n < 1 || n > 12 {
				return Date{}, false
			}
			d.Month = n
		case 2:
			if n < 1 || n > 31 {
				return Date{}, false
			}
			d.Day = n
		}
	}
	return d, true
}

// parseDateExpr greedily parses a date expression: a single point or a
// START..END range with either side optional. An open start reaches back
// twenty years; an open end means today.
func parseDateExpr(text string, now time.Time) (DateRange, bool) {
	if start, end, ok := strings.Cut(text, ".."); ok {
		var r DateRange
		if start == "" {
			r.Start = dateOf(now.AddDate(-20, 0, 0))
			r.Start.Month, r.Start.Day = 0, 0
		} else if d, ok := parseDatePoint(start, now); ok {
			r.Start = d
		} else {
			return DateRange{}, false
		}
		if end == "" {
			r.End = dateOf(now)
		} else if d, ok := parseDatePoint(end, now); ok {
			r.End = d
		} else {
			return DateRange{}, false
		}
		if r.End.upper().before(r.Start.lower()) {
			return DateRange{}, false
		}
		return r, true
	}
	d, ok := parseDatePoint(text, now)
	if !ok {
		return DateRange{}, false
	}
	return DateRange{Start: d, End: d}, true
}

func dateOf(t time.Time) Date {
	t = t.UTC()
	return Date{t.Year(), int(t.Month()), t.Day()}
}

func timeOf(unix int64) time.Time { return time.Unix(unix, 0).UTC() }
