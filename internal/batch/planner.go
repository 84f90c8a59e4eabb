package batch

import (
	"time"

	"github.com/timmy/mailtriage/internal/domain"
)

// daysPerMonth approximates a month for chunking. Changing it changes every
// plan and breaks resumption of jobs already in flight.
const daysPerMonth = 30

// PlanRanges splits [start, end) into consecutive ranges of monthsPerChunk*30
// days, the last one clipped to end. It returns nil when start is not before
// end or monthsPerChunk is not positive.
func PlanRanges(start, end time.Time, monthsPerChunk int) []domain.DateRange {
	if monthsPerChunk <= 0 || !start.Before(end) {
		return nil
	}

	start, end = midnightUTC(start), midnightUTC(end)
	step := monthsPerChunk * daysPerMonth

	var ranges []domain.DateRange
	for current := start; current.Before(end); {
		next := current.AddDate(0, 0, step)
		if next.After(end) {
			next = end
		}
		ranges = append(ranges, domain.NewDateRange(current, next))
		current = next
	}
	return ranges
}

// PlanJob recomputes the partition from a job's stored configuration.
func PlanJob(job *domain.BatchJob) ([]domain.DateRange, error) {
	start, err := ParseDate(job.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(job.EndDate)
	if err != nil {
		return nil, err
	}
	return PlanRanges(start, end, job.ChunkMonths), nil
}

// NextRange returns the first planned range missing from done, or false when
// every range has been processed.
func NextRange(plan []domain.DateRange, done []domain.DateRange) (domain.DateRange, int, bool) {
	seen := make(map[domain.DateRange]struct{}, len(done))
	for _, r := range done {
		seen[r] = struct{}{}
	}

	remaining := 0
	var next domain.DateRange
	found := false
	for _, r := range plan {
		if _, ok := seen[r]; ok {
			continue
		}
		if !found {
			next, found = r, true
		}
		remaining++
	}
	return next, remaining, found
}

// ParseDate parses a YYYY-MM-DD calendar date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(domain.DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, invalidf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
