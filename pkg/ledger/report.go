package ledger

import (
	"context"
	"sort"
)

// DayReport aggregates one day of ledger activity for `koi report`.
type DayReport struct {
	Day         string
	Operations  map[string]int
	SkipReasons map[string]int
	Tokens      int64
	Compute     float64
}

// Report groups all receipts by UTC day, counting operations and skip
// reasons and summing cost fields.
func Report(ctx context.Context, l Ledger) ([]DayReport, error) {
	cats, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*DayReport)
	for _, c := range cats {
		day := c.Timestamp.UTC().Format("2006-01-02")
		r, ok := byDay[day]
		if !ok {
			r = &DayReport{Day: day, Operations: map[string]int{}, SkipReasons: map[string]int{}}
			byDay[day] = r
		}
		r.Operations[c.Operation]++
		r.Tokens += c.Cost.Tokens
		r.Compute += c.Cost.Compute
		if c.Operation == OpSkip {
			if reason, ok := c.Recipe.Parameters["reason"].(string); ok {
				r.SkipReasons[reason]++
			}
		}
	}

	out := make([]DayReport, 0, len(byDay))
	for _, r := range byDay {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}
