package batch

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/timmy/mailtriage/internal/domain"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestPlanRanges(t *testing.T) {
	tests := []struct {
		name   string
		start  string
		end    string
		months int
		want   []domain.DateRange
	}{
		{
			name:   "first half of 2024 in two-month chunks",
			start:  "2024-01-01",
			end:    "2024-07-01",
			months: 2,
			want: []domain.DateRange{
				{"2024/01/01", "2024/03/01"},
				{"2024/03/01", "2024/04/30"},
				{"2024/04/30", "2024/06/29"},
				{"2024/06/29", "2024/07/01"},
			},
		},
		{
			name:   "exact multiple of thirty days",
			start:  "2024-01-01",
			end:    "2024-03-01",
			months: 1,
			want: []domain.DateRange{
				{"2024/01/01", "2024/01/31"},
				{"2024/01/31", "2024/03/01"},
			},
		},
		{
			name:   "range shorter than one chunk",
			start:  "2023-12-30",
			end:    "2024-01-02",
			months: 2,
			want: []domain.DateRange{
				{"2023/12/30", "2024/01/02"},
			},
		},
		{
			name:   "single day",
			start:  "2024-05-05",
			end:    "2024-05-06",
			months: 1,
			want: []domain.DateRange{
				{"2024/05/05", "2024/05/06"},
			},
		},
		{name: "start equals end", start: "2024-01-01", end: "2024-01-01", months: 2, want: nil},
		{name: "start after end", start: "2024-02-01", end: "2024-01-01", months: 2, want: nil},
		{name: "zero months", start: "2024-01-01", end: "2024-07-01", months: 0, want: nil},
		{name: "negative months", start: "2024-01-01", end: "2024-07-01", months: -1, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanRanges(date(tt.start), date(tt.end), tt.months)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("PlanRanges() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanRangesIsDeterministic(t *testing.T) {
	start, end := date("2019-03-17"), date("2024-11-02")
	for months := 1; months <= 12; months++ {
		first := PlanRanges(start, end, months)
		second := PlanRanges(start, end, months)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("months=%d: plans differ", months)
		}
	}
}

func TestPlanRangesCoversRangeWithoutGaps(t *testing.T) {
	cases := []struct {
		start, end string
	}{
		{"2024-01-01", "2024-07-01"},
		{"2020-02-29", "2021-03-01"},
		{"2015-06-15", "2024-06-15"},
		{"2024-12-31", "2025-01-01"},
	}

	for _, c := range cases {
		for months := 1; months <= 6; months++ {
			plan := PlanRanges(date(c.start), date(c.end), months)
			if len(plan) == 0 {
				t.Fatalf("%s..%s months=%d: empty plan", c.start, c.end, months)
			}

			startLabel := date(c.start).Format(domain.RangeLayout)
			endLabel := date(c.end).Format(domain.RangeLayout)
			if plan[0].Start() != startLabel {
				t.Errorf("%s..%s months=%d: first range starts at %s", c.start, c.end, months, plan[0].Start())
			}
			if plan[len(plan)-1].End() != endLabel {
				t.Errorf("%s..%s months=%d: last range ends at %s", c.start, c.end, months, plan[len(plan)-1].End())
			}

			for i, r := range plan {
				if r.Start() >= r.End() {
					t.Errorf("range %d is empty or inverted: %v", i, r)
				}
				if i > 0 && plan[i-1].End() != r.Start() {
					t.Errorf("gap or overlap between %v and %v", plan[i-1], r)
				}
			}
		}
	}
}

func TestPlanRangesIgnoresTimeOfDay(t *testing.T) {
	start := time.Date(2024, 1, 1, 23, 30, 0, 0, time.FixedZone("UTC+2", 2*3600))
	end := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	got := PlanRanges(start, end, 2)
	want := []domain.DateRange{{"2024/01/01", "2024/03/01"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRange(t *testing.T) {
	plan := []domain.DateRange{
		{"2024/01/01", "2024/03/01"},
		{"2024/03/01", "2024/04/30"},
		{"2024/04/30", "2024/06/29"},
	}

	tests := []struct {
		name          string
		done          []domain.DateRange
		wantNext      domain.DateRange
		wantRemaining int
		wantFound     bool
	}{
		{"nothing done", nil, plan[0], 3, true},
		{"first done", plan[:1], plan[1], 2, true},
		{"out of order", []domain.DateRange{plan[2], plan[0]}, plan[1], 1, true},
		{"all done in any order", []domain.DateRange{plan[1], plan[2], plan[0]}, domain.DateRange{}, 0, false},
		{"foreign ranges are ignored", []domain.DateRange{{"2023/01/01", "2023/03/02"}}, plan[0], 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, remaining, found := NextRange(plan, tt.done)
			if next != tt.wantNext || remaining != tt.wantRemaining || found != tt.wantFound {
				t.Errorf("NextRange() = %v, %d, %v; want %v, %d, %v",
					next, remaining, found, tt.wantNext, tt.wantRemaining, tt.wantFound)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	if _, err := ParseDate("2024-02-30"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for impossible date, got %v", err)
	}
	if _, err := ParseDate("2024/01/01"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for wrong layout, got %v", err)
	}
	got, err := ParseDate("2024-01-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("got %v", got)
	}
}

func TestBuildQuery(t *testing.T) {
	r := domain.DateRange{"2024/01/01", "2024/03/01"}
	if got := BuildQuery("", r); got != "after:2024/01/01 before:2024/03/01" {
		t.Errorf("default template: got %q", got)
	}
	if got := BuildQuery("in:inbox after:{start} before:{end}", r); got != "in:inbox after:2024/01/01 before:2024/03/01" {
		t.Errorf("custom template: got %q", got)
	}
}
