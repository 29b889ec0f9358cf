package search

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDateBuckets(t *testing.T) {
	ts := time.Date(2023, 5, 1, 9, 30, 0, 0, time.UTC)
	want := []string{"year:2023", "date:2023-5", "date:2023-5-1"}
	if diff := cmp.Diff(want, DateBuckets(ts)); diff != "" {
		t.Errorf("DateBuckets mismatch (-want +got):\n%s", diff)
	}
}

func TestDateBucketsNormalizesZone(t *testing.T) {
	zone := time.FixedZone("ahead", 10*3600)
	// 01:00 on June 1st in a +10 zone is still May 31st in UTC.
	ts := time.Date(2023, 6, 1, 1, 0, 0, 0, zone)
	want := []string{"year:2023", "date:2023-5", "date:2023-5-31"}
	if diff := cmp.Diff(want, DateBuckets(ts)); diff != "" {
		t.Errorf("DateBuckets mismatch (-want +got):\n%s", diff)
	}
}

func TestExpandRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end Date
		want       []string
	}{
		{
			"single day",
			Date{2023, 5, 1}, Date{2023, 5, 1},
			[]string{"date:2023-5-1"},
		},
		{
			"few days",
			Date{2023, 5, 1}, Date{2023, 5, 3},
			[]string{"date:2023-5-1", "date:2023-5-2", "date:2023-5-3"},
		},
		{
			"whole month collapses",
			Date{Year: 2023, Month: 2}, Date{Year: 2023, Month: 2},
			[]string{"date:2023-2"},
		},
		{
			"whole year collapses",
			Date{Year: 2022}, Date{Year: 2022},
			[]string{"year:2022"},
		},
		{
			"months then a year",
			Date{Year: 2021, Month: 11}, Date{Year: 2022},
			[]string{"date:2021-11", "date:2021-12", "year:2022"},
		},
		{
			"day crossing a year boundary",
			Date{2022, 12, 30}, Date{2023, 1, 2},
			[]string{"date:2022-12-30", "date:2022-12-31", "date:2023-1-1", "date:2023-1-2"},
		},
		{
			"days then months then days",
			Date{2023, 1, 31}, Date{2023, 3, 1},
			[]string{"date:2023-1-31", "date:2023-2", "date:2023-3-1"},
		},
		{
			"inverted range is empty",
			Date{2023, 5, 2}, Date{2023, 5, 1},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandRange(tt.start, tt.end)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExpandRange(%v, %v) mismatch (-want +got):\n%s", tt.start, tt.end, diff)
			}
		})
	}
}

func TestParseDatePoint(t *testing.T) {
	now := time.Date(2023, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want Date
		ok   bool
	}{
		{"2023", Date{Year: 2023}, true},
		{"2023-5", Date{Year: 2023, Month: 5}, true},
		{"2023-5-1", Date{2023, 5, 1}, true},
		{"today", Date{2023, 5, 10}, true},
		{"yesterday", Date{2023, 5, 9}, true},
		{"0d", Date{2023, 5, 10}, true},
		{"2w", Date{2023, 4, 26}, true},
		{"1m", Date{2023, 4, 9}, true},
		{"1y", Date{2022, 5, 9}, true},
		{"23", Date{}, false},
		{"2023-13", Date{}, false},
		{"2023-5-32", Date{}, false},
		{"soon", Date{}, false},
		{"2023-5-1-2", Date{}, false},
	}
	for _, tt := range tests {
		got, ok := parseDatePoint(tt.in, now)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseDatePoint(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
